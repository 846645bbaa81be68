// Package geo resolves client IP addresses to ISO-3166 country codes using a
// MaxMind or DB-IP country database.
package geo

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog/log"
)

// Unknown is returned when the country of an address cannot be determined.
const Unknown = ""

// DefaultDatabasePath is where distribution packages install GeoLite2.
const DefaultDatabasePath = "/usr/share/GeoIP/GeoLite2-Country.mmdb"

// countryReader is the subset of *geoip2.Reader used by Locator.
type countryReader interface {
	Country(ip net.IP) (*geoip2.Country, error)
	Close() error
}

// Locator maps IP addresses to country codes. A Locator without a database
// answers Unknown for every address. It is safe for concurrent use.
type Locator struct {
	path    string
	dbType  string
	builtAt time.Time
	db      countryReader

	closeOnce sync.Once
	closeErr  error
}

// Open loads the country database at path.
func Open(path string) (*Locator, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open GeoIP database '%s': %w", path, err)
	}
	meta := reader.Metadata()
	return &Locator{
		path:    path,
		dbType:  meta.DatabaseType,
		builtAt: time.Unix(int64(meta.BuildEpoch), 0).UTC(),
		db:      reader,
	}, nil
}

// OpenOrDisabled loads the database at path, falling back to a disabled
// Locator when the file is missing or unreadable.
func OpenOrDisabled(path string) *Locator {
	if path == "" {
		log.Warn().Msg("No GeoIP database configured, all connections will be allowed")
		return Disabled()
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("path", path).Msg("GeoIP database does not exist, all connections will be allowed")
		return Disabled()
	}
	l, err := Open(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("Failed to load GeoIP database, all connections will be allowed")
		return Disabled()
	}
	log.Info().Str("path", path).Str("database_type", l.dbType).Time("build_time", l.builtAt).Msg("GeoIP database loaded")
	return l
}

// Disabled returns a Locator that never resolves a country.
func Disabled() *Locator {
	return &Locator{}
}

// Enabled reports whether a database is loaded.
func (l *Locator) Enabled() bool { return l.db != nil }

// Path returns the path of the loaded database, or "" when disabled.
func (l *Locator) Path() string { return l.path }

// DatabaseType returns the database type recorded in the mmdb metadata.
func (l *Locator) DatabaseType() string { return l.dbType }

// BuildTime returns when the database was built, or the zero time when
// disabled.
func (l *Locator) BuildTime() time.Time { return l.builtAt }

// Lookup returns the uppercase country code for ip, or Unknown. Failures are
// logged and never returned.
func (l *Locator) Lookup(ip net.IP) string {
	if l.db == nil || ip == nil {
		return Unknown
	}

	record, err := l.db.Country(ip)
	if err != nil {
		log.Error().Err(err).IPAddr("client_ip", ip).Msg("Error while checking IP geolocation")
		return Unknown
	}

	code := Normalize(record.Country.IsoCode)
	if code == Unknown {
		// Reserved ranges are never in the data set, so a miss there is expected.
		if isSpecialPurpose(ip) {
			log.Debug().IPAddr("client_ip", ip).Msg("IP address is special-purpose, country unknown")
		} else {
			log.Warn().IPAddr("client_ip", ip).Msg("IP address not found in GeoIP database")
		}
	}
	return code
}

// Close releases the database. It is safe to call more than once.
func (l *Locator) Close() error {
	l.closeOnce.Do(func() {
		if l.db != nil {
			l.closeErr = l.db.Close()
		}
	})
	return l.closeErr
}

// Normalize upper-cases a country code and maps anything that is not two
// ASCII letters to Unknown.
func Normalize(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 2 {
		return Unknown
	}
	for i := 0; i < len(code); i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return Unknown
		}
	}
	return code
}

func isSpecialPurpose(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast()
}
