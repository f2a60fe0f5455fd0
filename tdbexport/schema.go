// Package tdbexport flattens decoded CZMIL records into TileDB arrays
// for analytics: a sparse point array for CPF returns keyed by
// longitude/latitude, a dense array for CSF sensor/navigation records
// keyed by ordinal, and JSON sidecar metadata for the CAF audit trail
// and file headers. It is read-only tooling layered on top of the
// codec package — exporting does not participate in the bit-exact
// CWF/CPF/CSF/CAF/CIF round-trip contract.
package tdbexport

import (
	"reflect"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
	stgpsr "github.com/yuin/stagparser"
)

// CPFPointRow is one flattened CPF return: a single (channel, return)
// pair out of a CPFRecord's up-to-9-channel, variable-return-count
// shape, denormalised into one row per point the way a LiDAR point
// cloud consumer expects. ShotID is the CPF record's ordinal in the
// CIF index, so a row can always be traced back to its parent shot.
type CPFPointRow struct {
	Lon            float64 `tiledb:"dtype=float64,ftype=dim"`
	Lat            float64 `tiledb:"dtype=float64,ftype=dim"`
	ShotID         int64   `tiledb:"dtype=int64,ftype=attr" filters:"zstd(level=16)"`
	Timestamp      int64   `tiledb:"dtype=int64,ftype=attr" filters:"zstd(level=16)"`
	Channel        uint8   `tiledb:"dtype=uint8,ftype=attr" filters:"bysh,zstd(level=16)"`
	ReturnIndex    uint8   `tiledb:"dtype=uint8,ftype=attr" filters:"bysh,zstd(level=16)"`
	Elevation      float64 `tiledb:"dtype=float64,ftype=attr" filters:"zstd(level=16)"`
	Reflectance    float64 `tiledb:"dtype=float64,ftype=attr" filters:"zstd(level=16)"`
	UncertaintyH   float64 `tiledb:"dtype=float64,ftype=attr" filters:"zstd(level=16)"`
	UncertaintyV   float64 `tiledb:"dtype=float64,ftype=attr" filters:"zstd(level=16)"`
	Status         uint8   `tiledb:"dtype=uint8,ftype=attr" filters:"bysh,zstd(level=16)"`
	Classification uint8   `tiledb:"dtype=uint8,ftype=attr" filters:"bysh,zstd(level=16)"`
	IPOffset       float64 `tiledb:"dtype=float64,ftype=attr" filters:"zstd(level=16)"`
	IPRank         uint8   `tiledb:"dtype=uint8,ftype=attr" filters:"bysh,zstd(level=16)"`
	Probability    float64 `tiledb:"dtype=float64,ftype=attr" filters:"zstd(level=16)"`
	FilterReason   uint8   `tiledb:"dtype=uint8,ftype=attr" filters:"bysh,zstd(level=16)"`
	DIndex         uint8   `tiledb:"dtype=uint8,ftype=attr" filters:"bysh,zstd(level=16)"`
}

// CSFMetaRow is one CSF sensor/navigation record, indexed densely by
// its ordinal — CSF's fixed per-record stride means every ordinal in
// [0, NumberOfRecords) exists, so a dense array (not sparse) is the
// natural fit, mirroring the teacher's ping-metadata dense schema.
type CSFMetaRow struct {
	Ordinal   uint64  `tiledb:"dtype=uint64,ftype=dim"`
	Timestamp int64   `tiledb:"dtype=int64,ftype=attr" filters:"zstd(level=16)"`
	ScanAngle float64 `tiledb:"dtype=float64,ftype=attr" filters:"zstd(level=16)"`
	Lat       float64 `tiledb:"dtype=float64,ftype=attr" filters:"zstd(level=16)"`
	Lon       float64 `tiledb:"dtype=float64,ftype=attr" filters:"zstd(level=16)"`
	Altitude  float64 `tiledb:"dtype=float64,ftype=attr" filters:"zstd(level=16)"`
	Roll      float64 `tiledb:"dtype=float64,ftype=attr" filters:"zstd(level=16)"`
	Pitch     float64 `tiledb:"dtype=float64,ftype=attr" filters:"zstd(level=16)"`
	Heading   float64 `tiledb:"dtype=float64,ftype=attr" filters:"zstd(level=16)"`
}

// fieldNames lists the exported struct field names of t, in
// declaration order, the same reflective helper the teacher uses to
// derive TileDB attribute name lists without hand enumerating them.
func fieldNames(t any) []string {
	names := make([]string, 0, 10)
	btype := reflect.Indirect(reflect.ValueOf(t)).Type()
	for i := 0; i < btype.NumField(); i++ {
		if btype.Field(i).IsExported() {
			names = append(names, btype.Field(i).Name)
		}
	}
	return names
}

// schemaAttrs walks every exported field of t and, for each one
// tagged `ftype=attr`, adds a matching TileDB attribute (with its
// filter pipeline) to schema. Fields tagged `ftype=dim` are skipped —
// they were already added as array dimensions by the caller.
func schemaAttrs(t any, schema *tiledb.ArraySchema, ctx *tiledb.Context) error {
	values := reflect.ValueOf(t).Elem()
	types := values.Type()
	filtDefs, _ := stgpsr.ParseStruct(t, "filters")
	tdbDefs, _ := stgpsr.ParseStruct(t, "tiledb")

	for i := 0; i < values.NumField(); i++ {
		name := types.Field(i).Name

		fieldTdbDefs := make(map[string]stgpsr.Definition)
		for _, v := range tdbDefs[name] {
			fieldTdbDefs[v.Name()] = v
		}

		def, ok := fieldTdbDefs["ftype"]
		if !ok {
			return ErrCreateAttributeTdb
		}
		ftype, _ := def.Attribute("ftype")
		if ftype == "dim" {
			continue
		}

		if err := CreateAttr(name, filtDefs[name], fieldTdbDefs, schema, ctx); err != nil {
			return err
		}
	}
	return nil
}

// pointSparseSchema builds the sparse CPF point array schema: lon/lat
// dimensions (Hilbert-ordered, duplicates allowed since coincident
// returns from different channels share a position), plus every
// CPFPointRow attribute.
func pointSparseSchema(ctx *tiledb.Context) (*tiledb.ArraySchema, error) {
	domain, err := tiledb.NewDomain(ctx)
	if err != nil {
		return nil, err
	}
	defer domain.Free()

	tileSz := float64(0.01)
	lo, hi := -180.0, 180.0
	xdim, err := tiledb.NewDimension(ctx, "Lon", tiledb.TILEDB_FLOAT64, []float64{lo, hi}, tileSz)
	if err != nil {
		return nil, err
	}
	defer xdim.Free()

	ydim, err := tiledb.NewDimension(ctx, "Lat", tiledb.TILEDB_FLOAT64, []float64{-90, 90}, tileSz)
	if err != nil {
		return nil, err
	}
	defer ydim.Free()

	if err := domain.AddDimensions(xdim, ydim); err != nil {
		return nil, err
	}

	schema, err := tiledb.NewArraySchema(ctx, tiledb.TILEDB_SPARSE)
	if err != nil {
		return nil, err
	}
	if err := schema.SetDomain(domain); err != nil {
		return nil, err
	}
	if err := schema.SetCapacity(100_000); err != nil {
		return nil, err
	}
	if err := schema.SetCellOrder(tiledb.TILEDB_HILBERT); err != nil {
		return nil, err
	}
	if err := schema.SetTileOrder(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, err
	}
	if err := schema.SetAllowsDups(true); err != nil {
		return nil, err
	}

	if err := schemaAttrs(&CPFPointRow{}, schema, ctx); err != nil {
		return nil, err
	}
	if err := schema.Check(); err != nil {
		return nil, err
	}
	return schema, nil
}

// sensorDenseSchema builds the dense CSF array schema, tiled by
// ordinal exactly the way the teacher tiles its ping-metadata array by
// PING_ID.
func sensorDenseSchema(ctx *tiledb.Context, nrecords uint64) (*tiledb.ArraySchema, error) {
	domain, err := tiledb.NewDomain(ctx)
	if err != nil {
		return nil, err
	}
	defer domain.Free()

	tileSz := nrecords
	if tileSz > 50_000 {
		tileSz = 50_000
	}
	if tileSz == 0 {
		tileSz = 1
	}

	dim, err := tiledb.NewDimension(ctx, "Ordinal", tiledb.TILEDB_UINT64, []uint64{0, nrecords - 1}, tileSz)
	if err != nil {
		return nil, err
	}
	defer dim.Free()

	if err := domain.AddDimensions(dim); err != nil {
		return nil, err
	}

	schema, err := tiledb.NewArraySchema(ctx, tiledb.TILEDB_DENSE)
	if err != nil {
		return nil, err
	}
	if err := schema.SetDomain(domain); err != nil {
		return nil, err
	}
	if err := schema.SetCellOrder(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, err
	}
	if err := schema.SetTileOrder(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, err
	}

	if err := schemaAttrs(&CSFMetaRow{}, schema, ctx); err != nil {
		return nil, err
	}
	if err := schema.Check(); err != nil {
		return nil, err
	}
	return schema, nil
}

// PointFieldNames lists the CPFPointRow struct's exported field names,
// the order TileDB attributes are declared in pointSparseSchema.
func PointFieldNames() []string { return fieldNames(&CPFPointRow{}) }

// SensorFieldNames lists the CSFMetaRow struct's exported field names,
// the order TileDB attributes are declared in sensorDenseSchema.
func SensorFieldNames() []string { return fieldNames(&CSFMetaRow{}) }

// attributeNames returns the attribute names (not dimensions) declared
// on schema, in schema order.
func attributeNames(schema *tiledb.ArraySchema) ([]string, error) {
	attrs, err := schema.Attributes()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(attrs))
	for i, a := range attrs {
		name, err := a.Name()
		if err != nil {
			return nil, err
		}
		names[i] = name
	}
	return names, nil
}

