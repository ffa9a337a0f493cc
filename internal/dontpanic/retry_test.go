package dontpanic

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTry(t *testing.T) {
	require.True(t, Try(func() {}))
	require.False(t, Try(func() { panic("don't panic") }))
}

func TestRecover(t *testing.T) {
	require.NoError(t, Recover(func() {}))

	err := Recover(func() { panic(errors.New("boom")) })
	var panicErr PanicError
	require.True(t, errors.As(err, &panicErr))
	require.EqualError(t, panicErr.Recovered.(error), "boom")
	require.EqualError(t, err, "recovered from panic: boom")
}

func TestGo(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	Go(func() {
		defer wg.Done()
		panic("don't panic")
	})
	wg.Wait()
}
