package link

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-carvera/bus"
	"github.com/arloliu/go-carvera/xmodem"
)

func TestNewConfig_Defaults(t *testing.T) {
	require := require.New(t)

	cfg, err := NewConfig()
	require.NoError(err)
	require.True(cfg.Target().IsZero())
	require.Equal(DefaultConnectTimeout, cfg.ConnectTimeout())
	require.Equal(DefaultRequestTimeout, cfg.RequestTimeout())
	require.Equal(DefaultPollTick, cfg.PollTick())
	require.Equal(DefaultStatusTimeout, cfg.StatusTimeout())
	require.Equal(DefaultNewlineTimeout, cfg.NewlineTimeout())
	require.Equal(DefaultSettleDelay, cfg.SettleDelay())
	require.True(cfg.KeepAlive())
	require.True(cfg.LineMode())
	require.NotNil(cfg.GetLogger())

	require.Equal(200*time.Millisecond, cfg.refresh("Run"))
	require.Equal(time.Second, cfg.refresh("Idle"))
	require.Equal(2*time.Second, cfg.refresh("Alarm"))
	require.Equal(2*time.Second, cfg.refresh(""))
}

func TestNewConfig_Options(t *testing.T) {
	require := require.New(t)

	target := bus.Target{Name: "carvera", IP: "10.0.0.2", Port: 2222}
	cfg, err := NewConfig(
		WithTarget(target),
		WithPollTick(10*time.Millisecond),
		WithSettleDelay(0),
		WithRefresh(time.Millisecond, 2*time.Millisecond, 3*time.Millisecond),
		WithKeepAlive(false),
		WithLineMode(false),
	)
	require.NoError(err)
	require.Equal(target, cfg.Target())
	require.Equal(10*time.Millisecond, cfg.PollTick())
	require.Zero(cfg.SettleDelay())
	require.False(cfg.KeepAlive())
	require.False(cfg.LineMode())
	require.Equal(time.Millisecond, cfg.refresh("Run"))
	require.Equal(3*time.Millisecond, cfg.refresh("Hold"))
}

func TestNewConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"zero target", WithTarget(bus.Target{})},
		{"connect timeout", WithConnectTimeout(0)},
		{"request timeout", WithRequestTimeout(-time.Second)},
		{"write timeout", WithWriteTimeout(-time.Second)},
		{"poll tick low", WithPollTick(time.Millisecond)},
		{"poll tick high", WithPollTick(2 * time.Second)},
		{"status timeout", WithStatusTimeout(0)},
		{"newline timeout", WithNewlineTimeout(0)},
		{"settle delay", WithSettleDelay(10 * time.Second)},
		{"refresh", WithRefresh(0, time.Second, time.Second)},
		{"dialer", WithDialer(nil)},
		{"bus", WithBus(nil)},
		{"logger", WithLogger(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(tt.opt)
			require.Error(t, err)
		})
	}
}

func TestNew_InvalidTransferOptions(t *testing.T) {
	cfg, err := NewConfig(WithTransferOptions(xmodem.WithBlockSize(1)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	_, err = New(ctx, cfg)
	require.Error(t, err)

	_, err = New(ctx, nil)
	require.Error(t, err)
}

func TestState_String(t *testing.T) {
	require.Equal(t, "Disconnected", Disconnected.String())
	require.Equal(t, "Connecting", Connecting.String())
	require.Equal(t, "Connected", Connected.String())
	require.Equal(t, "Idle", Idle.String())
	require.Equal(t, "Sending", Sending.String())
	require.Equal(t, "Receiving", Receiving.String())
}

func TestAtomicState(t *testing.T) {
	require := require.New(t)

	var st atomicState
	require.Equal(Disconnected, st.Get())
	require.False(st.ToConnected())
	require.True(st.ToConnecting())
	require.False(st.ToConnecting())
	require.True(st.ToConnected())
	require.False(st.CompareAndSet(Connecting, Disconnected))
	require.True(st.ToDisconnected())
	require.False(st.ToDisconnected())
}
