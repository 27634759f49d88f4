package simio

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/MatterMiners/lapis/internal/storage"
)

const gib = 1024 * 1024 * 1024

// StorageSpec is one storage element parsed from a CSV index row, with its
// resident files (if a content file was supplied) already attached.
type StorageSpec struct {
	Name            string
	Site            string
	StorageSize     float64
	ThroughputLimit float64
	Files           []storage.StoredFile
}

// StorageCSVReader reads a space-delimited storage index CSV (name,
// sitename, cachesizeGB, throughput_limit) and, if content is non-nil, a
// companion content CSV (filename, cachename, filesize, storedsize,
// cachedsince, lastaccessed, numberofaccesses; filesize and storedsize in
// GiB) to populate each
// storage's initial resident set. A nil content reader yields every
// StorageSpec with an empty Files slice, matching the source's "missing
// content file -> empty storage" behaviour.
func StorageCSVReader(index io.Reader, content io.Reader) ([]StorageSpec, error) {
	filesByStorage, err := storageContentReader(content)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(index)
	reader.Comma = ' '
	reader.TrimLeadingSpace = true
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("simio: reading storage index header: %w", err)
	}
	col := columnIndex(header)

	var specs []StorageSpec
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRow, err)
		}

		get := func(name string) (string, bool) {
			idx, ok := col[name]
			if !ok || idx >= len(row) {
				return "", false
			}
			return strings.TrimSpace(row[idx]), true
		}

		name, _ := get("name")
		site, _ := get("sitename")
		sizeGB, err := parseFloatColumn(get, "cachesizeGB")
		if err != nil {
			return nil, err
		}
		throughput, err := parseFloatColumn(get, "throughput_limit")
		if err != nil {
			return nil, err
		}

		specs = append(specs, StorageSpec{
			Name:            name,
			Site:            site,
			StorageSize:     sizeGB * gib,
			ThroughputLimit: throughput,
			Files:           filesByStorage[name],
		})
	}
	return specs, nil
}

func storageContentReader(content io.Reader) (map[string][]storage.StoredFile, error) {
	out := make(map[string][]storage.StoredFile)
	if content == nil {
		return out, nil
	}

	reader := csv.NewReader(content)
	reader.Comma = ' '
	reader.TrimLeadingSpace = true
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return out, nil
		}
		return nil, fmt.Errorf("simio: reading storage content header: %w", err)
	}
	col := columnIndex(header)

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRow, err)
		}

		get := func(name string) (string, bool) {
			idx, ok := col[name]
			if !ok || idx >= len(row) {
				return "", false
			}
			return strings.TrimSpace(row[idx]), true
		}

		cacheName, _ := get("cachename")
		filename, _ := get("filename")
		filesize, err := parseFloatColumn(get, "filesize")
		if err != nil {
			return nil, err
		}
		storedsize, err := parseFloatColumn(get, "storedsize")
		if err != nil {
			return nil, err
		}
		cachedSince, err := parseFloatColumn(get, "cachedsince")
		if err != nil {
			return nil, err
		}
		lastAccessed, err := parseFloatColumn(get, "lastaccessed")
		if err != nil {
			return nil, err
		}
		accesses, err := parseFloatColumn(get, "numberofaccesses")
		if err != nil {
			return nil, err
		}

		out[cacheName] = append(out[cacheName], storage.StoredFile{
			Name:             filename,
			Filesize:         filesize * gib,
			StoredSize:       storedsize * gib,
			CachedSince:      cachedSince,
			LastAccessed:     lastAccessed,
			NumberOfAccesses: int(accesses),
		})
	}
	return out, nil
}

func parseFloatColumn(get func(string) (string, bool), name string) (float64, error) {
	raw, ok := get(name)
	if !ok {
		return 0, fmt.Errorf("%w: missing column %q", ErrMalformedRow, name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: column %q: %v", ErrMalformedRow, name, err)
	}
	return v, nil
}
