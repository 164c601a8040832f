package proto

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestParseCredential(t *testing.T) {
	type testCase struct {
		descr   string
		raw     string
		want    Credential
		wantErr bool
	}

	testCases := []testCase{
		testCase{descr: "full blob with framing",
			raw: `42["auth",{"session":"n1p5ah5u8t9438rbunpgrq0hlq","isDemo":1,"uid":0,"platform":1}]`,
			want: Credential{
				Session:  "n1p5ah5u8t9438rbunpgrq0hlq",
				Demo:     true,
				Platform: PlatformWeb,
			},
		},
		testCase{descr: "live blob with uid and fast history",
			raw: `42["auth",{"session":"abcdef","isDemo":0,"uid":72645361,"platform":2,"isFastHistory":true}]`,
			want: Credential{
				Session:     "abcdef",
				UID:         72645361,
				Platform:    2,
				FastHistory: true,
			},
		},
		testCase{descr: "bare JSON object",
			raw: `{"session":"abcdef","isDemo":1,"uid":5,"platform":3}`,
			want: Credential{
				Session:  "abcdef",
				Demo:     true,
				UID:      5,
				Platform: PlatformMobile,
			},
		},
		testCase{descr: "platform defaults to web",
			raw: `{"session":"abcdef","isDemo":0,"uid":5}`,
			want: Credential{
				Session:  "abcdef",
				UID:      5,
				Platform: PlatformWeb,
			},
		},
		testCase{descr: "surrounding whitespace and quotes",
			raw: `  '42["auth",{"session":"abcdef","isDemo":1,"uid":0,"platform":1}]'  `,
			want: Credential{
				Session:  "abcdef",
				Demo:     true,
				Platform: PlatformWeb,
			},
		},
		testCase{descr: "missing session",
			raw:     `{"isDemo":1,"uid":0,"platform":1}`,
			wantErr: true,
		},
		testCase{descr: "no JSON object at all",
			raw:     `42["auth"]`,
			wantErr: true,
		},
		testCase{descr: "malformed JSON",
			raw:     `{"session":`,
			wantErr: true,
		},
		testCase{descr: "empty string",
			raw:     ``,
			wantErr: true,
		},
	}

	for i, tc := range testCases {
		got, err := ParseCredential(tc.raw)
		if tc.wantErr {
			assert.Error(t, err, "test case #%d (%s)", i, tc.descr)
			assert.Equal(t, ErrInvalidCredential, errors.Cause(err), "test case #%d (%s)", i, tc.descr)
			continue
		}

		assert.NoError(t, err, "test case #%d (%s)", i, tc.descr)
		assert.Equal(t, tc.want, got, "test case #%d (%s)", i, tc.descr)
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	orig := Credential{
		Session:     "n1p5ah5u8t9438rbunpgrq0hlq",
		Demo:        true,
		UID:         72645361,
		Platform:    PlatformWeb,
		FastHistory: true,
	}

	blob, err := orig.Encode()
	assert.NoError(t, err)

	parsed, err := ParseCredential(blob)
	assert.NoError(t, err)
	assert.Equal(t, orig, parsed)
}

func TestAuthMessage(t *testing.T) {
	c := Credential{Session: "abc", Demo: true, UID: 42, Platform: PlatformWeb}

	msg, err := c.AuthMessage()
	assert.NoError(t, err)
	assert.Equal(t, `42["auth",{"session":"abc","isDemo":1,"uid":42,"platform":1}]`, string(msg))

	f := Classify(msg, false)
	assert.Equal(t, FrameEvent, f.Type)
	assert.Equal(t, EventAuth, f.Name)

	// Live accounts encode isDemo as 0.
	c.Demo = false
	msg, err = c.AuthMessage()
	assert.NoError(t, err)
	assert.Equal(t, `42["auth",{"session":"abc","isDemo":0,"uid":42,"platform":1}]`, string(msg))
}

func TestAuthMessageInvalid(t *testing.T) {
	_, err := Credential{}.AuthMessage()
	assert.Error(t, err)
	assert.Equal(t, ErrInvalidCredential, errors.Cause(err))

	_, err = Credential{Session: "abc", Platform: 7}.AuthMessage()
	assert.Error(t, err)
	assert.Equal(t, ErrInvalidCredential, errors.Cause(err))
}

func TestCredentialStringRedactsSession(t *testing.T) {
	c := Credential{Session: "supersecret", UID: 99, Platform: PlatformWeb}
	assert.NotContains(t, c.String(), "supersecret")
	assert.Contains(t, c.String(), "99")
}
