package link

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestRegisterMetrics(t *testing.T) {
	require := require.New(t)

	l, _ := newTestLink(t)
	p := startPipe(t, l)
	require.NoError(l.SendString("G0 X1\n"))
	p.waitFor(t, "G0 X1\n")

	reg := prometheus.NewRegistry()
	require.NoError(RegisterMetrics(reg, l))
	require.Error(RegisterMetrics(reg, l), "duplicate registration")

	families, err := reg.Gather()
	require.NoError(err)

	values := make(map[string]float64, len(families))
	for _, mf := range families {
		m := mf.GetMetric()[0]
		switch {
		case m.GetCounter() != nil:
			values[mf.GetName()] = m.GetCounter().GetValue()
		case m.GetGauge() != nil:
			values[mf.GetName()] = m.GetGauge().GetValue()
		}
	}

	require.InDelta(6, values["carvera_link_bytes_out_total"], 0)
	require.InDelta(1, values["carvera_link_connects_total"], 0)
	require.InDelta(1, values["carvera_link_connected"], 0)
	require.InDelta(0, values["carvera_link_leases"], 0)
	require.Contains(values, "carvera_link_polls_skipped_total")
	require.Contains(values, "carvera_xmodem_blocks_sent_total")
	require.Contains(values, "carvera_xmodem_early_exits_total")
}
