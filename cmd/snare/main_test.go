package main

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetMocks() {
	osWriteFile = os.WriteFile
	osExit = os.Exit
}

func TestHandlePanic(t *testing.T) {
	t.Cleanup(resetMocks)

	t.Run("writes panic log", func(t *testing.T) {
		var written []byte
		var path string
		osWriteFile = func(name string, data []byte, _ os.FileMode) error {
			path, written = name, data
			return nil
		}
		exitCode := -1
		osExit = func(code int) { exitCode = code }

		func() {
			defer handlePanic()
			panic("bus exploded")
		}()

		assert.Equal(t, 2, exitCode)
		assert.Equal(t, panicLogFile, path)
		assert.Contains(t, string(written), "panic: bus exploded")
		assert.Contains(t, string(written), "goroutine")
	})

	t.Run("log write failure still exits", func(t *testing.T) {
		osWriteFile = func(string, []byte, os.FileMode) error { return errors.New("read-only fs") }
		exitCode := -1
		osExit = func(code int) { exitCode = code }

		func() {
			defer handlePanic()
			panic("again")
		}()
		assert.Equal(t, 2, exitCode)
	})

	t.Run("no panic is a no-op", func(t *testing.T) {
		osWriteFile = func(string, []byte, os.FileMode) error {
			require.FailNow(t, "unexpected write")
			return nil
		}
		osExit = func(int) { require.FailNow(t, "unexpected exit") }

		func() {
			defer handlePanic()
		}()
	})
}
