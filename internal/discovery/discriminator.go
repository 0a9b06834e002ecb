package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/chainsync/internal/model"
)

// DiscriminatorLen is the length of the type tag that prefixes account data.
const DiscriminatorLen = 8

// Discriminator identifies an account layout.
type Discriminator [DiscriminatorLen]byte

func (d Discriminator) String() string { return hex.EncodeToString(d[:]) }

// AnchorDiscriminator derives the tag Anchor programs write for an account
// struct: the first 8 bytes of sha256("account:<name>").
func AnchorDiscriminator(name string) Discriminator {
	sum := sha256.Sum256([]byte("account:" + name))
	var d Discriminator
	copy(d[:], sum[:DiscriminatorLen])
	return d
}

// ParseDiscriminator decodes a 16-character hex discriminator.
func ParseDiscriminator(s string) (Discriminator, error) {
	var d Discriminator
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return d, eris.Wrapf(err, "discovery: parse discriminator %q", s)
	}
	if len(b) != DiscriminatorLen {
		return d, eris.Errorf("discovery: discriminator %q is %d bytes, want %d", s, len(b), DiscriminatorLen)
	}
	copy(d[:], b)
	return d, nil
}

// AccountSpec names one known account type. An empty Discriminator is
// derived from Name with AnchorDiscriminator.
type AccountSpec struct {
	Name          string `yaml:"name" mapstructure:"name"`
	Discriminator string `yaml:"discriminator" mapstructure:"discriminator"`
}

// Table maps discriminators to account types. It is read-only after
// construction and safe for concurrent use.
type Table struct {
	types map[Discriminator]model.AccountType
}

// NewTable builds a table from specs. Names and discriminators must be unique.
func NewTable(specs ...AccountSpec) (*Table, error) {
	t := &Table{types: make(map[Discriminator]model.AccountType, len(specs))}
	names := make(map[string]bool, len(specs))
	for _, s := range specs {
		if s.Name == "" {
			return nil, eris.New("discovery: account spec without name")
		}
		if names[s.Name] {
			return nil, eris.Errorf("discovery: duplicate account type %q", s.Name)
		}
		names[s.Name] = true

		d := AnchorDiscriminator(s.Name)
		if s.Discriminator != "" {
			var err error
			if d, err = ParseDiscriminator(s.Discriminator); err != nil {
				return nil, err
			}
		}
		if prev, ok := t.types[d]; ok {
			return nil, eris.Errorf("discovery: %q and %q share discriminator %s", prev, s.Name, d)
		}
		t.types[d] = model.AccountType(s.Name)
	}
	return t, nil
}

// Match classifies account data by its leading discriminator. Data shorter
// than DiscriminatorLen never matches.
func (t *Table) Match(data []byte) (model.AccountType, bool) {
	if len(data) < DiscriminatorLen {
		return "", false
	}
	var d Discriminator
	copy(d[:], data[:DiscriminatorLen])
	typ, ok := t.types[d]
	return typ, ok
}

// Len returns the number of known account types.
func (t *Table) Len() int { return len(t.types) }

// Types returns the known account types sorted by name.
func (t *Table) Types() []model.AccountType {
	out := make([]model.AccountType, 0, len(t.types))
	for _, typ := range t.types {
		out = append(out, typ)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// tableFile is the on-disk YAML layout.
type tableFile struct {
	Accounts []AccountSpec `yaml:"accounts"`
}

// LoadTable reads an account table from YAML:
//
//	accounts:
//	  - name: Pool
//	  - name: Position
//	    discriminator: aabbccddeeff0011
func LoadTable(r io.Reader) (*Table, error) {
	var f tableFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && err != io.EOF {
		return nil, eris.Wrap(err, "discovery: decode account table")
	}
	return NewTable(f.Accounts...)
}

// LoadTableFile is LoadTable on a file path.
func LoadTableFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "discovery: open account table %s", path)
	}
	defer f.Close() //nolint:errcheck
	return LoadTable(f)
}
