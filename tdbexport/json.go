package tdbexport

import (
	"encoding/json"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
)

// JsonDumps constructs a JSON string of data, used for TileDB array
// metadata values (which TileDB stores as opaque byte blobs).
func JsonDumps(data any) (string, error) {
	jsn, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(jsn), nil
}

// JsonIndentDumps is JsonDumps with four-space indentation, used for
// the human-facing sidecar file WriteJson produces.
func JsonIndentDumps(data any) (string, error) {
	jsn, err := json.MarshalIndent(data, "", "    ")
	if err != nil {
		return "", err
	}
	return string(jsn), nil
}

// WriteJson serialises data as indented JSON to fileURI via the
// TileDB VFS, so the sidecar (header metadata, CAF audit summary, QA
// report) can land on the local filesystem or an object store the
// same way the array data does.
func WriteJson(fileURI, configURI string, data any) (int, error) {
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
		return 0, err
	}
	defer config.Free()

	ctx, err := tiledb.NewContext(config)
	if err != nil {
		return 0, err
	}
	defer ctx.Free()

	vfs, err := tiledb.NewVFS(ctx, config)
	if err != nil {
		return 0, err
	}
	defer vfs.Free()

	stream, err := vfs.Open(fileURI, tiledb.TILEDB_VFS_WRITE)
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	jsn, err := JsonIndentDumps(data)
	if err != nil {
		return 0, err
	}

	n, err := stream.Write([]byte(jsn))
	if err != nil {
		return 0, err
	}
	return n, nil
}
