package catalog

import (
	"fmt"
	"io"

	"github.com/spf13/viper"

	"clubkit.org/internal/membership"
)

// fileLayout is the on-disk shape. Tenants are a list because viper folds map keys to lower case.
type fileLayout struct {
	Catalogs []struct {
		Tenant     string                `mapstructure:"tenant"`
		Categories []membership.Category `mapstructure:"categories"`
	} `mapstructure:"catalogs"`
}

// LoadFile reads catalogs from a YAML, JSON or TOML file:
//
//	catalogs:
//	  - tenant: club-1
//	    categories:
//	      - {name: active, abbreviation: A, state: active}
func LoadFile(path string) (Static, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return decode(v)
}

// Load reads catalogs from r in the given format ("yaml", "json", ...).
func Load(r io.Reader, format string) (Static, error) {
	v := viper.New()
	v.SetConfigType(format)
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (Static, error) {
	var layout fileLayout
	if err := v.Unmarshal(&layout); err != nil {
		return nil, fmt.Errorf("%w: %v", membership.ErrInvalidCatalog, err)
	}
	cats := make([]*membership.Catalog, 0, len(layout.Catalogs))
	for _, entry := range layout.Catalogs {
		c, err := membership.NewCatalog(entry.Tenant, entry.Categories)
		if err != nil {
			return nil, err
		}
		cats = append(cats, c)
	}
	return NewStatic(cats...)
}
