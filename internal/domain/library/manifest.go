package library

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/edumarques81/stellar-mpd/internal/infra/store"
)

// Manifest describes library contents as albums of tracks.
//
//	albums:
//	  - title: Kind of Blue
//	    artist: Miles Davis
//	    year: 1959
//	    genre: Jazz
//	    tracks:
//	      - path: miles/kind-of-blue/01.flac
//	        title: So What
//	        duration: 9m05s
type Manifest struct {
	Albums []ManifestAlbum `yaml:"albums"`
}

// ManifestAlbum is one album of a manifest.
type ManifestAlbum struct {
	Title  string          `yaml:"title"`
	Artist string          `yaml:"artist"`
	Year   int             `yaml:"year"`
	Genre  string          `yaml:"genre"`
	Tracks []ManifestTrack `yaml:"tracks"`
}

// ManifestTrack is one track of a manifest album. Artist and Genre default
// to the album's values.
type ManifestTrack struct {
	Path       string        `yaml:"path"`
	Title      string        `yaml:"title"`
	Artist     string        `yaml:"artist"`
	Genre      string        `yaml:"genre"`
	Duration   time.Duration `yaml:"duration"`
	Popularity float64       `yaml:"popularity"`
}

// ParseManifest decodes a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	for i, album := range m.Albums {
		for j, track := range album.Tracks {
			if track.Path == "" {
				return nil, fmt.Errorf("album %d (%q) track %d: missing path", i, album.Title, j+1)
			}
		}
	}
	return &m, nil
}

// LoadManifest reads and decodes a YAML manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// Import writes the manifest's tracks to the library, updating tracks that
// already exist at the same path, and records the update time.
func (s *Service) Import(ctx context.Context, m *Manifest) (int, error) {
	var records []store.TrackRecord
	for _, album := range m.Albums {
		for i, t := range album.Tracks {
			artist := t.Artist
			if artist == "" {
				artist = album.Artist
			}
			genre := t.Genre
			if genre == "" {
				genre = album.Genre
			}
			title := t.Title
			if title == "" {
				title = t.Path
			}
			records = append(records, store.TrackRecord{
				Path:        t.Path,
				Title:       title,
				Artist:      artist,
				Album:       album.Title,
				AlbumArtist: album.Artist,
				Genre:       genre,
				Year:        album.Year,
				Duration:    int(t.Duration / time.Second),
				TrackNumber: i + 1,
				Popularity:  t.Popularity,
			})
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	n, err := s.dao.ImportTracks(ctx, records)
	if err != nil {
		return 0, err
	}
	if err := s.db.MarkUpdated(time.Now()); err != nil {
		return n, fmt.Errorf("failed to record update time: %w", err)
	}

	log.Info().Int("tracks", n).Int("albums", len(m.Albums)).Msg("Library manifest imported")
	return n, nil
}

// ImportFile loads a manifest file and imports it.
func (s *Service) ImportFile(ctx context.Context, path string) (int, error) {
	m, err := LoadManifest(path)
	if err != nil {
		return 0, err
	}
	return s.Import(ctx, m)
}
