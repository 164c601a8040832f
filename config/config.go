// Package config provides configuration for client apps based on the PocketOption SDK.
package config

import (
	"fmt"
	"io/ioutil"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/juju/errors"
	"gopkg.in/yaml.v2"

	"code.pocketoption.com/po-sdk-go/common"
)

const (
	Filepath = ".po-sdk/credentials.yml"
)

// Various validation errors.
var (
	ErrNilConfig     = Error{Type: "config", Why: "config is nil", How: "create and load config first"}
	ErrEmptySSID     = Error{Type: "config", What: "ssid", Why: "is empty", How: "paste the session blob captured from an authenticated browser session"}
	ErrInvalidWSURL  = Error{Type: "config", What: "urls", Why: "wrong url", How: "URL must be a valid ws or wss url"}
	ErrInvalidScheme = Error{Type: "config", Why: "invalid scheme", How: "scheme must be ws(s)"}

	ErrNilArgs = Error{Type: "args", Why: "args is nil", How: "create an instance of args"}
)

// PO holds the configuration.
type PO struct {
	mu   sync.Mutex `yaml:"-"` // protects the fields below
	SSID string     `yaml:"ssid"`
	Demo bool       `yaml:"demo"`

	// Regions restricts the endpoint fallback to the named catalogue
	// regions, tried in the given order. Empty means every region
	// matching the account type.
	Regions []string `yaml:"regions"`

	// URLs lists endpoint URLs verbatim, overriding Regions. Useful when
	// testing against a local server.
	URLs []string `yaml:"urls"`
}

// New creates a new PO from a file by the given name.
func New(name string) (*PO, error) {
	return NewFromFilename(name)
}

// NewFromFilename creates a new PO from a file by the given filename.
func NewFromFilename(filename string) (*PO, error) {
	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return NewFromRaw(data)
}

// NewFromRaw creates a new PO by unmarshaling the given raw data.
func NewFromRaw(raw []byte) (*PO, error) {
	cfg := &PO{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Trace(err)
	}

	return cfg, nil
}

// ValidateFunc validates the config by applying each of given vfs to it.
func (c *PO) ValidateFunc(vfs ...ValidateFuncPO) error {
	if c == nil {
		return ErrNilConfig
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, f := range vfs {
		if err := f(c); err != nil {
			return errors.Trace(err)
		}
	}

	return nil
}

// Validate validates the config by applying ValidatorDefault.
func (c *PO) Validate() error {
	return c.ValidateFunc(ValidatePODefault)
}

// Endpoints resolves the config into the endpoint URL list the client
// should dial, in fallback order. Explicit urls win over region names;
// an empty config yields nil, which lets the client fall back to the
// full catalogue for the account type.
func (c *PO) Endpoints() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.URLs) > 0 {
		urls := make([]string, len(c.URLs))
		copy(urls, c.URLs)
		return urls, nil
	}

	if len(c.Regions) == 0 {
		return nil, nil
	}

	var regions []common.Region
	for _, name := range c.Regions {
		r, ok := common.RegionByName(name)
		if !ok {
			return nil, unknownRegionError(name)
		}
		regions = append(regions, r)
	}

	return common.RegionURLs(regions), nil
}

func (c *PO) Example() *PO {
	po := &PO{}

	po.SSID = `42["auth",{"session":"example_session_token","isDemo":1,"uid":0,"platform":1}]`
	po.Demo = true
	po.Regions = []string{"DEMO", "DEMO_2"}

	return po
}

// String can't be defined on a value receiver here because of the mutex.
func (c *PO) String() string {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}

	return string(raw)
}

// DefaultFilepath determines and returns default config path.
// It can return an error if detecting the user's home directory has failed.
func DefaultFilepath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Trace(err)
	}

	return filepath.Join(home, Filepath), nil
}

// Error holds detials about an error occured during validation process.
type Error struct {
	Type string
	What string
	Why  string
	How  string
}

func (e Error) Error() string {
	if e.What == "" {
		return fmt.Sprintf("invalid %s: %s. Possible fix: %s", e.Type, e.Why, e.How)
	}

	return fmt.Sprintf("invalid %s: %s - %s. Possible fix: %s", e.Type, e.What, e.Why, e.How)
}

// ValidateFuncPO takes an instance of PO and returns an error if any occured during validation process.
type ValidateFuncPO func(*PO) error

// CheckURL checks that the url has the correct scheme.
func CheckURL(given string, schemes ...string) error {
	u, err := url.Parse(given)
	if err != nil {
		return errors.Trace(err)
	}

	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}

	return ErrInvalidScheme
}

// ValidatePODefault performs validation of the given config by checking all
// the fields for correctness.
func ValidatePODefault(c *PO) error {
	if c.SSID == "" {
		return ErrEmptySSID
	}

	for _, name := range c.Regions {
		if _, ok := common.RegionByName(name); !ok {
			return unknownRegionError(name)
		}
	}

	for _, u := range c.URLs {
		if err := CheckURL(u, "ws", "wss"); err != nil {
			return ErrInvalidWSURL
		}
	}

	return nil
}

func unknownRegionError(name string) Error {
	return Error{
		Type: "config",
		What: "regions",
		Why:  fmt.Sprintf("unknown region %q", name),
		How:  "use names from the region catalogue, e.g. EUROPA or DEMO",
	}
}
