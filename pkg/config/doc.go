/*
Package config loads the broker's external attribute surface: run
directory, module search path, overlay addressing, and the rank/size pair
the bootstrap process assigns this broker. It is intentionally thin — the
router is given only Rank, and the broker passes the online state to it
through Router.SetOnline — everything else here exists to plumb startup
information from a YAML file (or defaults) into the components that need it.
*/
package config
