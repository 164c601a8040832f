package common

import (
	"math/rand"
	"strings"
)

// Region is one regional endpoint of the trading platform. The catalogue
// order defines the default fallback priority.
type Region struct {
	Name string
	URL  string
	Demo bool
}

func (r Region) String() string {
	return r.Name
}

// regionCatalogue lists every known endpoint, highest priority first.
var regionCatalogue = []Region{
	{Name: "EUROPA", URL: "wss://api-eu.po.market/socket.io/?EIO=4&transport=websocket"},
	{Name: "SEYCHELLES", URL: "wss://api-sc.po.market/socket.io/?EIO=4&transport=websocket"},
	{Name: "HONGKONG", URL: "wss://api-hk.po.market/socket.io/?EIO=4&transport=websocket"},
	{Name: "SERVER1", URL: "wss://api-spb.po.market/socket.io/?EIO=4&transport=websocket"},
	{Name: "FRANCE2", URL: "wss://api-fr2.po.market/socket.io/?EIO=4&transport=websocket"},
	{Name: "UNITED_STATES4", URL: "wss://api-us4.po.market/socket.io/?EIO=4&transport=websocket"},
	{Name: "UNITED_STATES3", URL: "wss://api-us3.po.market/socket.io/?EIO=4&transport=websocket"},
	{Name: "UNITED_STATES2", URL: "wss://api-us2.po.market/socket.io/?EIO=4&transport=websocket"},
	{Name: "DEMO", URL: "wss://demo-api-eu.po.market/socket.io/?EIO=4&transport=websocket", Demo: true},
	{Name: "DEMO_2", URL: "wss://try-demo-eu.po.market/socket.io/?EIO=4&transport=websocket", Demo: true},
	{Name: "UNITED_STATES", URL: "wss://api-us-north.po.market/socket.io/?EIO=4&transport=websocket"},
	{Name: "RUSSIA", URL: "wss://api-msk.po.market/socket.io/?EIO=4&transport=websocket"},
	{Name: "SERVER2", URL: "wss://api-l.po.market/socket.io/?EIO=4&transport=websocket"},
	{Name: "INDIA", URL: "wss://api-in.po.market/socket.io/?EIO=4&transport=websocket"},
	{Name: "FRANCE", URL: "wss://api-fr.po.market/socket.io/?EIO=4&transport=websocket"},
	{Name: "FINLAND", URL: "wss://api-fin.po.market/socket.io/?EIO=4&transport=websocket"},
	{Name: "SERVER3", URL: "wss://api-c.po.market/socket.io/?EIO=4&transport=websocket"},
	{Name: "ASIA", URL: "wss://api-asia.po.market/socket.io/?EIO=4&transport=websocket"},
	{Name: "SERVER4", URL: "wss://api-us-south.po.market/socket.io/?EIO=4&transport=websocket"},
}

// Regions returns the full endpoint catalogue in priority order. The
// returned slice is a copy; callers may rearrange it freely.
func Regions() []Region {
	rs := make([]Region, len(regionCatalogue))
	copy(rs, regionCatalogue)
	return rs
}

// DemoRegions returns only the demo endpoints, in priority order.
func DemoRegions() []Region {
	var rs []Region
	for _, r := range regionCatalogue {
		if r.Demo {
			rs = append(rs, r)
		}
	}
	return rs
}

// LiveRegions returns only the non-demo endpoints, in priority order.
func LiveRegions() []Region {
	var rs []Region
	for _, r := range regionCatalogue {
		if !r.Demo {
			rs = append(rs, r)
		}
	}
	return rs
}

// RegionByName looks a region up by its catalogue name, case-insensitively.
func RegionByName(name string) (Region, bool) {
	upper := strings.ToUpper(name)
	for _, r := range regionCatalogue {
		if r.Name == upper {
			return r, true
		}
	}
	return Region{}, false
}

// RegionOrder is a pluggable policy arranging the fallback order of a
// region list. Policies must not mutate the input slice.
type RegionOrder func([]Region) []Region

// PriorityOrder keeps regions in the given (catalogue) order.
func PriorityOrder(rs []Region) []Region {
	out := make([]Region, len(rs))
	copy(out, rs)
	return out
}

// ShuffledOrder randomizes the fallback order.
func ShuffledOrder(rs []Region) []Region {
	out := make([]Region, len(rs))
	copy(out, rs)
	rand.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}

// RegionURLs extracts the endpoint URLs from a region list, preserving order.
func RegionURLs(rs []Region) []string {
	urls := make([]string, 0, len(rs))
	for _, r := range rs {
		urls = append(urls, r.URL)
	}
	return urls
}
