// Package mongo provides a MongoDB-backed implementation of the durable task
// store. Build the low-level client via features/task/mongo/clients/mongo and
// pass it to NewStore so dispatchers can claim and settle work that survives
// process restarts.
package mongo
