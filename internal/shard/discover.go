package shard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ContactDBName is the base name of the contact directory file.
const ContactDBName = "contact.db"

// ErrContactDBNotFound is returned by Discover when the root holds no
// contact directory file.
var ErrContactDBNotFound = errors.New("contact database not found")

var shardNamePattern = regexp.MustCompile(`(?i)^message_([0-9]+)\.db$`)

// Layout is the result of scanning the data root.
type Layout struct {
	ContactDB string
	// Extra contact files found besides ContactDB, in the order they were
	// passed over.
	ExtraContactDBs []string
	Shards          []string
}

// IsShardFile reports whether name follows the message shard naming
// convention.
func IsShardFile(name string) bool {
	return shardNamePattern.MatchString(name)
}

// Discover walks root recursively and returns the contact file and the
// message shards, the latter in natural order (directory, then numeric
// suffix). When several contact files exist the shallowest, then lexically
// first, wins.
func Discover(root string) (*Layout, error) {
	contactDBs, shards, err := scan(root)
	if err != nil {
		return nil, err
	}
	if len(contactDBs) == 0 {
		return nil, fmt.Errorf("%w under %s", ErrContactDBNotFound, root)
	}
	sort.Slice(contactDBs, func(i, j int) bool {
		di, dj := depth(contactDBs[i]), depth(contactDBs[j])
		if di != dj {
			return di < dj
		}
		return contactDBs[i] < contactDBs[j]
	})

	return &Layout{
		ContactDB:       contactDBs[0],
		ExtraContactDBs: contactDBs[1:],
		Shards:          shards,
	}, nil
}

// scan walks root once, collecting contact files and shard files. Shards
// come back sorted.
func scan(root string) (contactDBs, shards []string, err error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, nil, fmt.Errorf("stat data root: %w", err)
	}
	if !info.IsDir() {
		return nil, nil, fmt.Errorf("data root %s is not a directory", root)
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subdirectories are skipped, the root is not.
			if path == root {
				return err
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		switch {
		case strings.EqualFold(name, ContactDBName):
			contactDBs = append(contactDBs, path)
		case IsShardFile(name):
			shards = append(shards, path)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("scan data root: %w", err)
	}
	sortShards(shards)
	return contactDBs, shards, nil
}

func sortShards(paths []string) {
	sort.Slice(paths, func(i, j int) bool { return shardLess(paths[i], paths[j]) })
}

func depth(path string) int {
	return strings.Count(filepath.ToSlash(path), "/")
}

// shardLess orders message_2.db before message_10.db within a directory.
func shardLess(a, b string) bool {
	da, db := filepath.Dir(a), filepath.Dir(b)
	if da != db {
		return da < db
	}
	na, nb := shardNumber(a), shardNumber(b)
	if na != nb {
		return na < nb
	}
	return a < b
}

func shardNumber(path string) int64 {
	m := shardNamePattern.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return -1
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return -1
	}
	return n
}
