/*
Package subscription implements the broker's topic-subscription registry:
a set of topic-prefix strings per owner (the broker's own built-in
handle, or a loaded module), matched against event topics by plain string
prefix — a registered string s matches topic t iff t starts with s, with no
dot-boundary requirement (unlike the service switch's dotted matching in
package service).
*/
package subscription
