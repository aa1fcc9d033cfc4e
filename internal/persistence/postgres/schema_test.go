package postgres

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Candles that fail a hard check are persisted with validated=false, so the
// quality constraints must only bind rows that claim to be validated.
func TestSchemaQualityConstraintsGuardValidatedRowsOnly(t *testing.T) {
	var candlesDDL string
	for _, stmt := range schemaDDL {
		if strings.Contains(stmt, "CREATE TABLE IF NOT EXISTS candles") {
			candlesDDL = stmt
			break
		}
	}
	require.NotEmpty(t, candlesDDL)

	for _, name := range []string{
		"candles_prices_positive",
		"candles_volume_nonneg",
		"candles_high_bound",
		"candles_low_bound",
	} {
		idx := strings.Index(candlesDDL, name)
		require.GreaterOrEqual(t, idx, 0, name)
		line := candlesDDL[idx:]
		if end := strings.IndexByte(line, '\n'); end >= 0 {
			line = line[:end]
		}
		assert.Contains(t, line, "NOT validated OR", name)
	}

	// The timeframe set is closed for every row, validated or not.
	idx := strings.Index(candlesDDL, "candles_timeframe_set")
	require.GreaterOrEqual(t, idx, 0)
	line := candlesDDL[idx:]
	if end := strings.IndexByte(line, '\n'); end >= 0 {
		line = line[:end]
	}
	assert.NotContains(t, line, "NOT validated")
}
