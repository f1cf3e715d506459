//go:build !unix

package run

// signalCompletion is a no-op on platforms without user signals.
func signalCompletion(int) error {
	return nil
}
