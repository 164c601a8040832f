package proto

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/juju/errors"
)

// ErrInvalidCredential is returned when a session blob can't be parsed
// or is missing required fields.
var ErrInvalidCredential = errors.New("invalid session credential")

// Platform identifiers accepted by the auth handshake.
const (
	PlatformWeb    = 1
	PlatformMobile = 3
)

// Credential is the session blob captured from an authenticated browser
// session. Its string form is the exact auth frame the platform expects:
//
//	42["auth",{"session":"...","isDemo":1,"uid":0,"platform":1}]
type Credential struct {
	// Session is the opaque per-login session token.
	Session string

	// Demo selects the practice account tied to the same login.
	Demo bool

	// UID is the numeric account id. Demo blobs often carry 0.
	UID int64

	// Platform identifies the client flavor; PlatformWeb unless the blob
	// says otherwise.
	Platform int

	// FastHistory asks the server for accelerated history backfill.
	FastHistory bool
}

// authArgs is the JSON shape of the auth event argument.
type authArgs struct {
	Session     string `json:"session"`
	IsDemo      int    `json:"isDemo"`
	UID         int64  `json:"uid"`
	Platform    int    `json:"platform"`
	FastHistory bool   `json:"isFastHistory,omitempty"`
}

// ParseCredential extracts a Credential from a raw session blob. The
// blob is commonly pasted with the full `42["auth",...]` framing around
// it; anything outside the outermost JSON object is ignored.
func ParseCredential(raw string) (Credential, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return Credential{}, errors.Annotatef(ErrInvalidCredential, "no JSON object in blob")
	}

	var args authArgs
	if err := json.Unmarshal([]byte(raw[start:end+1]), &args); err != nil {
		return Credential{}, errors.Annotatef(ErrInvalidCredential, "malformed JSON: %s", err)
	}

	if args.Session == "" {
		return Credential{}, errors.Annotatef(ErrInvalidCredential, "missing session field")
	}

	c := Credential{
		Session:     args.Session,
		Demo:        args.IsDemo != 0,
		UID:         args.UID,
		Platform:    args.Platform,
		FastHistory: args.FastHistory,
	}
	if c.Platform == 0 {
		c.Platform = PlatformWeb
	}

	return c, nil
}

// Validate checks that the credential can produce an auth frame.
func (c Credential) Validate() error {
	if c.Session == "" {
		return errors.Annotatef(ErrInvalidCredential, "missing session field")
	}
	if c.Platform != PlatformWeb && c.Platform != PlatformMobile {
		return errors.Annotatef(ErrInvalidCredential, "unknown platform %d", c.Platform)
	}
	return nil
}

// AuthMessage builds the `42["auth",{...}]` frame for this credential.
func (c Credential) AuthMessage() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	isDemo := 0
	if c.Demo {
		isDemo = 1
	}

	return EncodeEvent(EventAuth, authArgs{
		Session:     c.Session,
		IsDemo:      isDemo,
		UID:         c.UID,
		Platform:    c.Platform,
		FastHistory: c.FastHistory,
	})
}

// Encode renders the credential back into the canonical blob string.
func (c Credential) Encode() (string, error) {
	msg, err := c.AuthMessage()
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(msg), nil
}

// String renders the credential with the session token redacted.
func (c Credential) String() string {
	kind := "live"
	if c.Demo {
		kind = "demo"
	}
	return fmt.Sprintf("Credential{uid: %d, %s, platform: %d}", c.UID, kind, c.Platform)
}
