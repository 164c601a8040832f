package config

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
ssid: '42["auth",{"session":"abcdef","isDemo":1,"uid":12345,"platform":1}]'
demo: true
regions:
  - DEMO
  - DEMO_2
`

func TestNewFromRaw(t *testing.T) {
	cfg, err := NewFromRaw([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, true, cfg.Demo)
	assert.Equal(t, []string{"DEMO", "DEMO_2"}, cfg.Regions)
	assert.Contains(t, cfg.SSID, `"session":"abcdef"`)

	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	type testCase struct {
		descr   string
		cfg     *PO
		wantErr error
	}

	testCases := []testCase{
		testCase{descr: "nil config",
			cfg:     nil,
			wantErr: ErrNilConfig,
		},
		testCase{descr: "empty ssid",
			cfg:     &PO{},
			wantErr: ErrEmptySSID,
		},
		testCase{descr: "bad url scheme",
			cfg: &PO{
				SSID: "blob",
				URLs: []string{"https://example.com"},
			},
			wantErr: ErrInvalidWSURL,
		},
		testCase{descr: "valid with explicit urls",
			cfg: &PO{
				SSID: "blob",
				URLs: []string{"wss://api-eu.po.market/socket.io/?EIO=4&transport=websocket"},
			},
		},
		testCase{descr: "valid with regions",
			cfg: &PO{
				SSID:    "blob",
				Regions: []string{"EUROPA", "demo"},
			},
		},
	}

	for i, tc := range testCases {
		err := tc.cfg.Validate()
		if tc.wantErr != nil {
			assert.Equal(t, tc.wantErr, errors.Cause(err), "test case #%d (%s)", i, tc.descr)
			continue
		}

		assert.NoError(t, err, "test case #%d (%s)", i, tc.descr)
	}
}

func TestValidateUnknownRegion(t *testing.T) {
	cfg := &PO{
		SSID:    "blob",
		Regions: []string{"ATLANTIS"},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ATLANTIS")
}

func TestEndpoints(t *testing.T) {
	// Explicit URLs win over region names.
	cfg := &PO{
		SSID:    "blob",
		Regions: []string{"EUROPA"},
		URLs:    []string{"ws://127.0.0.1:9000/socket.io/?EIO=4&transport=websocket"},
	}

	urls, err := cfg.Endpoints()
	require.NoError(t, err)
	assert.Equal(t, cfg.URLs, urls)

	// Region names resolve through the catalogue in config order.
	cfg = &PO{
		SSID:    "blob",
		Regions: []string{"DEMO_2", "DEMO"},
	}

	urls, err = cfg.Endpoints()
	require.NoError(t, err)
	require.Len(t, urls, 2)
	assert.Contains(t, urls[0], "try-demo-eu")
	assert.Contains(t, urls[1], "demo-api-eu")

	// Unknown names are rejected.
	cfg = &PO{
		SSID:    "blob",
		Regions: []string{"NOWHERE"},
	}

	_, err = cfg.Endpoints()
	assert.Error(t, err)

	// An empty config resolves to nil, the caller's cue to use the
	// full catalogue.
	cfg = &PO{SSID: "blob"}
	urls, err = cfg.Endpoints()
	require.NoError(t, err)
	assert.Nil(t, urls)
}
