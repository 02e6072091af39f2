// Package version reports the build of the running binary. Self-registration
// publishes it as instance metadata, so catalog readers can tell apart the
// builds running behind one service name.
package version
