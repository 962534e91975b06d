package databag

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

var (
	// ErrMalformedDataBag is returned when a data bag cannot be decoded or
	// fails validation
	ErrMalformedDataBag = errors.New("malformed data bag")

	// ErrNotFound is returned when a lookup finds nothing
	ErrNotFound = errors.New("not found")
)

// Data bag file names, relative to the data bag directory
const (
	DhcpEntryFile    = "dhcpentry.json"
	CmdLineFile      = "cmdline.json"
	IPsFile          = "ips.json"
	GuestNetworkFile = "guestnetwork.json"
)

// Files lists every data bag the loader reads
var Files = []string{DhcpEntryFile, CmdLineFile, IPsFile, GuestNetworkFile}

// Bag is the fully decoded and validated desired state for one run
type Bag struct {
	Router        RouterConfig
	Entries       []DhcpEntry
	Addresses     Addresses
	GuestNetworks GuestNetworks
}

// Loader reads data bags from a directory
type Loader struct {
	fs  afero.Fs
	dir string
	log zerolog.Logger
}

// NewLoader creates a new data bag loader
func NewLoader(fs afero.Fs, dir string, log zerolog.Logger) *Loader {
	return &Loader{
		fs:  fs,
		dir: dir,
		log: log.With().Str("component", "databag").Logger(),
	}
}

// Dir returns the data bag directory
func (l *Loader) Dir() string {
	return l.dir
}

// Load decodes every data bag. Missing files decode to empty values.
func (l *Loader) Load() (*Bag, error) {
	router, err := l.RouterConfig()
	if err != nil {
		return nil, err
	}

	entries, err := l.DhcpEntries()
	if err != nil {
		return nil, err
	}

	addrs, err := l.Addresses()
	if err != nil {
		return nil, err
	}

	guests, err := l.GuestNetworks()
	if err != nil {
		return nil, err
	}

	l.log.Debug().
		Int("entries", len(entries)).
		Int("addresses", len(addrs)).
		Int("guest_networks", len(guests)).
		Bool("redundant", router.IsRedundant()).
		Msg("Loaded data bags")

	return &Bag{
		Router:        router,
		Entries:       entries,
		Addresses:     addrs,
		GuestNetworks: guests,
	}, nil
}

// readObject reads a data bag as a map of raw values keyed by logical id,
// without the "id" key. It returns nil when the file does not exist.
func (l *Loader) readObject(name string) (map[string]json.RawMessage, error) {
	path := filepath.Join(l.dir, name)

	data, err := afero.ReadFile(l.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			l.log.Debug().Str("file", path).Msg("Data bag does not exist, using empty state")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read data bag %s: %w", path, err)
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, malformed(name, "", err)
	}
	delete(obj, "id")

	return obj, nil
}

// sortedKeys returns map keys in a stable order
func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func malformed(file, key string, err error) error {
	if key == "" {
		return fmt.Errorf("%w: %s: %v", ErrMalformedDataBag, file, err)
	}
	return fmt.Errorf("%w: %s[%s]: %v", ErrMalformedDataBag, file, key, err)
}

// Bool decodes JSON booleans as well as the "true"/"false" strings the
// orchestrator sends for some flags
type Bool bool

func (b *Bool) UnmarshalJSON(data []byte) error {
	s := strings.ToLower(strings.Trim(string(data), `"`))
	switch s {
	case "true", "1", "yes":
		*b = true
	case "false", "0", "no", "", "null":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", string(data))
	}
	return nil
}

// Int decodes JSON numbers as well as numeric strings
type Int int

func (i *Int) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*i = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid integer %s", string(data))
	}
	*i = Int(v)
	return nil
}
