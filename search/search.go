// Package search recursively locates CZMIL file sets under a URI using
// the TileDB Go bindings' VFS, so a search can transparently reach
// either a local filesystem or an object store such as S3 given a
// TileDB config.
package search

import (
	"path/filepath"
	"sort"
	"strings"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
)

// extensions lists the five co-located CZMIL file suffixes a FileSet
// groups by shared base name.
var extensions = []string{".cwf", ".cpf", ".csf", ".caf", ".cif"}

// FileSet is every CZMIL file sharing one base name (e.g.
// "20260731-143000") under a searched directory.
type FileSet struct {
	Base string
	CWF  string
	CPF  string
	CSF  string
	CAF  string
	CIF  string
}

func trawl(vfs *tiledb.VFS, uri string, out map[string]*FileSet) error {
	dirs, files, err := vfs.List(uri)
	if err != nil {
		return err
	}

	for _, file := range files {
		ext := strings.ToLower(filepath.Ext(file))
		matched := false
		for _, want := range extensions {
			if ext == want {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}

		base := strings.TrimSuffix(file, filepath.Ext(file))
		fs, ok := out[base]
		if !ok {
			fs = &FileSet{Base: filepath.Base(base)}
			out[base] = fs
		}
		switch ext {
		case ".cwf":
			fs.CWF = file
		case ".cpf":
			fs.CPF = file
		case ".csf":
			fs.CSF = file
		case ".caf":
			fs.CAF = file
		case ".cif":
			fs.CIF = file
		}
	}

	for _, dir := range dirs {
		if err := trawl(vfs, dir, out); err != nil {
			return err
		}
	}
	return nil
}

// FindCzmil recursively searches uri for CZMIL file sets, grouping
// every *.cwf/*.cpf/*.csf/*.caf/*.cif sharing a base name into one
// FileSet. configURI, if non-empty, loads a TileDB config (needed for
// permission-constrained object-store access); an empty string uses a
// generic default config suitable for a local filesystem.
func FindCzmil(uri string, configURI string) ([]*FileSet, error) {
	var (
		config *tiledb.Config
		err    error
	)

	if configURI == "" {
		config, err = tiledb.NewConfig()
	} else {
		config, err = tiledb.LoadConfig(configURI)
	}
	if err != nil {
		return nil, err
	}
	defer config.Free()

	ctx, err := tiledb.NewContext(config)
	if err != nil {
		return nil, err
	}
	defer ctx.Free()

	vfs, err := tiledb.NewVFS(ctx, config)
	if err != nil {
		return nil, err
	}
	defer vfs.Free()

	found := make(map[string]*FileSet)
	if err := trawl(vfs, uri, found); err != nil {
		return nil, err
	}

	sets := make([]*FileSet, 0, len(found))
	for _, fs := range found {
		sets = append(sets, fs)
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i].Base < sets[j].Base })
	return sets, nil
}
