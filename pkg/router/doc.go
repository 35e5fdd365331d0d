/*
Package router implements the broker's top-level message routing logic:
deciding, for every request, response, and event that enters the broker
from any source, where it goes next. It is the glue between the service
switch, the module host, the overlay adapter, and the event pipeline —
none of those packages depend on it, and it depends on all of them.
*/
package router
