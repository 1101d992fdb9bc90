// Package timeutil provides a wrapper around time.AfterFunc with a
// queryable state and a race-free stop, used for the SIP protocol timers.
package timeutil
