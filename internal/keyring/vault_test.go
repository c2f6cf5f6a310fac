package keyring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVault_PutGetForget(t *testing.T) {
	v, err := NewPassphraseVault(0)
	require.NoError(t, err)

	pp := []byte("hunter2")
	require.NoError(t, v.Put("AABBCCDDEEFF0011", pp, 0))

	// input is wiped after sealing
	assert.Equal(t, make([]byte, 7), pp)

	got, ok := v.Get("AABBCCDDEEFF0011")
	require.True(t, ok)
	assert.Equal(t, []byte("hunter2"), got)

	v.Forget("AABBCCDDEEFF0011")
	_, ok = v.Get("AABBCCDDEEFF0011")
	assert.False(t, ok)
}

func TestVault_EntryExpires(t *testing.T) {
	v, err := NewPassphraseVault(0)
	require.NoError(t, err)

	require.NoError(t, v.Put("K1", []byte("secret"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, ok := v.Get("K1")
	assert.False(t, ok)
}

func TestVault_WaitReturnsOnPut(t *testing.T) {
	v, err := NewPassphraseVault(0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		id, pp, err := v.Wait(context.Background(), []string{"K1", "K2"})
		assert.NoError(t, err)
		assert.Equal(t, "K2", id)
		assert.Equal(t, []byte("pw"), pp)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, v.Put("K2", []byte("pw"), 0))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter did not wake up")
	}
}

func TestVault_WaitCancellable(t *testing.T) {
	v, err := NewPassphraseVault(0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := v.Wait(ctx, []string{"K1"})
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled wait did not return")
	}
}
