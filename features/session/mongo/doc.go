// Package mongo provides a MongoDB-backed implementation of the runtime
// session store. Build the low-level client via features/session/mongo/clients/mongo
// and pass it to NewStore so conversations survive process restarts.
package mongo
