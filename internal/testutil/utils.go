package testutil

import (
	"io"
	"log"
	"os"
	"testing"
)

// TestLogger returns a logger for components under test. Output is only
// shown with go test -v.
func TestLogger(t *testing.T) *log.Logger {
	var w io.Writer = io.Discard
	if testing.Verbose() {
		w = os.Stdout
	}
	return log.New(w, "["+t.Name()+"] ", log.LstdFlags|log.Lmsgprefix)
}
