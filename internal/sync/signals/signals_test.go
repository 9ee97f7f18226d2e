package signals

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/payrollsync/internal/errors"
)

func TestManual_SetOnline(t *testing.T) {
	m := NewManual(false)

	var got []bool
	unsubscribe := m.OnConnectivityChange(func(online bool) { got = append(got, online) })

	assert.False(t, m.SetOnline(false), "no change")
	assert.True(t, m.SetOnline(true))
	assert.False(t, m.SetOnline(true), "no change")
	assert.True(t, m.SetOnline(false))
	assert.Equal(t, []bool{true, false}, got)
	assert.False(t, m.Online())

	unsubscribe()
	unsubscribe()
	m.SetOnline(true)
	assert.Len(t, got, 2)
	assert.True(t, m.Online())
}

func TestManual_Focus(t *testing.T) {
	m := NewManual(true)

	var a, b int
	unsubA := m.OnHostFocus(func() { a++ })
	m.OnHostFocus(func() { b++ })

	m.Focus()
	unsubA()
	m.Focus()

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestProbeAddr(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"http://payroll.local", "payroll.local:80"},
		{"https://payroll.example.com/api", "payroll.example.com:443"},
		{"http://127.0.0.1:8080", "127.0.0.1:8080"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := ProbeAddr(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ProbeAddr("/relative")
	assert.True(t, apperrors.Is(err, apperrors.ErrConfig))
}

func TestProber_Check(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	p, err := NewProber("http://"+ln.Addr().String(), ProberConfig{Timeout: time.Second})
	require.NoError(t, err)

	var changes []bool
	p.OnConnectivityChange(func(online bool) { changes = append(changes, online) })

	assert.True(t, p.Check(context.Background()))
	assert.True(t, p.Online())

	ln.Close()
	assert.False(t, p.Check(context.Background()))
	assert.False(t, p.Online())
	assert.Equal(t, []bool{false}, changes)
}

func TestProber_StartStop(t *testing.T) {
	var dials atomic.Int32
	p, err := NewProber("http://payroll.invalid", ProberConfig{Interval: 10 * time.Millisecond})
	require.NoError(t, err)
	p.WithDialer(func(ctx context.Context, network, addr string) (net.Conn, error) {
		dials.Add(1)
		assert.Equal(t, "payroll.invalid:80", addr)
		return nil, errors.New("no route to host")
	})

	p.Start(context.Background())
	p.Start(context.Background())
	assert.Eventually(t, func() bool { return dials.Load() >= 3 }, time.Second, 5*time.Millisecond)
	p.Stop()
	p.Stop()

	assert.False(t, p.Online())
	n := dials.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, dials.Load())
}
