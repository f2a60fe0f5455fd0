package tdbexport

import (
	tiledb "github.com/TileDB-Inc/TileDB-Go"
	"github.com/samber/lo"
	stgpsr "github.com/yuin/stagparser"

	czmil "github.com/jalbtcx/go-czmil"
)

// ArrayOpen opens a TileDB array at uri in the given query mode.
func ArrayOpen(ctx *tiledb.Context, uri string, mode tiledb.QueryType) (*tiledb.Array, error) {
	array, err := tiledb.NewArray(ctx, uri)
	if err != nil {
		return nil, err
	}
	if err := array.Open(mode); err != nil {
		array.Free()
		return nil, err
	}
	return array, nil
}

// AddFilters sequentially appends filters to a filter pipeline.
func AddFilters(list *tiledb.FilterList, filters ...*tiledb.Filter) error {
	for _, f := range filters {
		if err := list.AddFilter(f); err != nil {
			return err
		}
	}
	return nil
}

// ZstdFilter builds a Zstandard compression filter at the given level.
func ZstdFilter(ctx *tiledb.Context, level int32) (*tiledb.Filter, error) {
	filt, err := tiledb.NewFilter(ctx, tiledb.TILEDB_FILTER_ZSTD)
	if err != nil {
		return nil, err
	}
	if err := filt.SetOption(tiledb.TILEDB_COMPRESSION_LEVEL, level); err != nil {
		filt.Free()
		return nil, err
	}
	return filt, nil
}

// CreateAttr creates one TileDB attribute (with its filter pipeline)
// from a CPFPointRow/CSFMetaRow field's `tiledb`/`filters` struct tags
// and attaches it to schema. Supported `tiledb:dtype=` values cover
// every primitive type those two row structs use; filter names
// recognised: zstd(level=N) and bysh (byteshuffle).
func CreateAttr(
	fieldName string,
	filterDefs []stgpsr.Definition,
	tiledbDefs map[string]stgpsr.Definition,
	schema *tiledb.ArraySchema,
	ctx *tiledb.Context,
) error {
	def, ok := tiledbDefs["dtype"]
	if !ok {
		return ErrNewAttr
	}
	dtype, _ := def.Attribute("dtype")

	var tdbType tiledb.Datatype
	switch dtype {
	case "uint8":
		tdbType = tiledb.TILEDB_UINT8
	case "int8":
		tdbType = tiledb.TILEDB_INT8
	case "uint16":
		tdbType = tiledb.TILEDB_UINT16
	case "int16":
		tdbType = tiledb.TILEDB_INT16
	case "uint32":
		tdbType = tiledb.TILEDB_UINT32
	case "int32":
		tdbType = tiledb.TILEDB_INT32
	case "uint64":
		tdbType = tiledb.TILEDB_UINT64
	case "int64":
		tdbType = tiledb.TILEDB_INT64
	case "float32":
		tdbType = tiledb.TILEDB_FLOAT32
	case "float64":
		tdbType = tiledb.TILEDB_FLOAT64
	default:
		return ErrDtype
	}

	filtList, err := tiledb.NewFilterList(ctx)
	if err != nil {
		return ErrFiltList
	}
	defer filtList.Free()

	for _, filter := range filterDefs {
		switch filter.Name() {
		case "zstd":
			level, ok := filter.Attribute("level")
			if !ok {
				return ErrZstdFilt
			}
			filt, err := ZstdFilter(ctx, int32(level.(int64)))
			if err != nil {
				return ErrZstdFilt
			}
			defer filt.Free()
			if err := filtList.AddFilter(filt); err != nil {
				return ErrAddFilters
			}
		case "bysh":
			filt, err := tiledb.NewFilter(ctx, tiledb.TILEDB_FILTER_BYTESHUFFLE)
			if err != nil {
				return ErrNewFilt
			}
			defer filt.Free()
			if err := filtList.AddFilter(filt); err != nil {
				return ErrAddFilters
			}
		}
	}

	attr, err := tiledb.NewAttribute(ctx, fieldName, tdbType)
	if err != nil {
		return ErrNewAttr
	}
	defer attr.Free()

	if err := attr.SetFilterList(filtList); err != nil {
		return ErrSetFiltList
	}
	if err := schema.AddAttributes(attr); err != nil {
		return ErrAddAttr
	}
	return nil
}

// flattenCPFPoints walks every channel and return of a decoded
// CPFRecord and emits one CPFPointRow per return, resolving each
// return's lat/lon as the shot's reference position plus its decoded
// lat/lon diff (the codec package's decode leaves them as diffs).
func flattenCPFPoints(shotID int64, rec *czmil.CPFRecord) []CPFPointRow {
	rows := make([]CPFPointRow, 0, 9)
	for ch := range rec.Channels {
		for ri, ret := range rec.Channels[ch].Returns {
			rows = append(rows, CPFPointRow{
				Lon:            rec.RefLon + ret.LonDiff,
				Lat:            rec.RefLat + ret.LatDiff,
				ShotID:         shotID,
				Timestamp:      rec.Timestamp,
				Channel:        uint8(ch),
				ReturnIndex:    uint8(ri),
				Elevation:      ret.Elevation,
				Reflectance:    ret.Reflectance,
				UncertaintyH:   ret.UncertaintyH,
				UncertaintyV:   ret.UncertaintyV,
				Status:         ret.Status,
				Classification: ret.Classification,
				IPOffset:       ret.IPOffset,
				IPRank:         ret.IPRank,
				Probability:    ret.Probability,
				FilterReason:   ret.FilterReason,
				DIndex:         ret.DIndex,
			})
		}
	}
	return rows
}

// CreatePointArray creates (but does not populate) the sparse CPF
// point array at uri.
func CreatePointArray(ctx *tiledb.Context, uri string) error {
	schema, err := pointSparseSchema(ctx)
	if err != nil {
		return errJoin(ErrCreateCpfTdb, err)
	}
	defer schema.Free()

	array, err := tiledb.NewArray(ctx, uri)
	if err != nil {
		return errJoin(ErrCreateCpfTdb, err)
	}
	defer array.Free()

	if err := array.Create(schema); err != nil {
		return errJoin(ErrCreateCpfTdb, err)
	}
	return nil
}

// CreateSensorArray creates (but does not populate) the dense CSF
// array at uri, sized for nrecords ordinals.
func CreateSensorArray(ctx *tiledb.Context, uri string, nrecords uint64) error {
	schema, err := sensorDenseSchema(ctx, nrecords)
	if err != nil {
		return errJoin(ErrCreateCsfTdb, err)
	}
	defer schema.Free()

	array, err := tiledb.NewArray(ctx, uri)
	if err != nil {
		return errJoin(ErrCreateCsfTdb, err)
	}
	defer array.Free()

	if err := array.Create(schema); err != nil {
		return errJoin(ErrCreateCsfTdb, err)
	}
	return nil
}

// ExportCPFPoints reads every CPF record in [0, nrecords) from reg via
// cpfD, flattens each into point rows, and writes them into the
// already-created sparse array at uri in a single unordered write
// query (appropriate since the schema allows duplicate coordinates).
func ExportCPFPoints(ctx *tiledb.Context, uri string, reg *czmil.Registry, cpfD czmil.Descriptor, nrecords int64) error {
	rows := make([]CPFPointRow, 0, nrecords)
	for i := int64(0); i < nrecords; i++ {
		rec, err := reg.ReadCPFRecord(cpfD, i)
		if err != nil {
			return errJoin(ErrWriteCpfTdb, err)
		}
		rows = append(rows, flattenCPFPoints(i, rec)...)
	}

	array, err := ArrayOpen(ctx, uri, tiledb.TILEDB_WRITE)
	if err != nil {
		return errJoin(ErrWriteCpfTdb, err)
	}
	defer array.Free()
	defer array.Close()

	query, err := tiledb.NewQuery(ctx, array)
	if err != nil {
		return errJoin(ErrWriteCpfTdb, err)
	}
	defer query.Free()

	if err := query.SetLayout(tiledb.TILEDB_UNORDERED); err != nil {
		return errJoin(ErrWriteCpfTdb, err)
	}

	// samber/lo.Map lifts each column out of the row slice the same
	// way the teacher's tiledb.go reaches for lo.Flatten to turn a
	// struct-of-rows shape into the flat per-attribute buffers a
	// TileDB write query wants.
	lon := lo.Map(rows, func(r CPFPointRow, _ int) float64 { return r.Lon })
	lat := lo.Map(rows, func(r CPFPointRow, _ int) float64 { return r.Lat })
	shotID := lo.Map(rows, func(r CPFPointRow, _ int) int64 { return r.ShotID })
	ts := lo.Map(rows, func(r CPFPointRow, _ int) int64 { return r.Timestamp })
	channel := lo.Map(rows, func(r CPFPointRow, _ int) uint8 { return r.Channel })
	returnIdx := lo.Map(rows, func(r CPFPointRow, _ int) uint8 { return r.ReturnIndex })
	elevation := lo.Map(rows, func(r CPFPointRow, _ int) float64 { return r.Elevation })
	reflectance := lo.Map(rows, func(r CPFPointRow, _ int) float64 { return r.Reflectance })
	uncH := lo.Map(rows, func(r CPFPointRow, _ int) float64 { return r.UncertaintyH })
	uncV := lo.Map(rows, func(r CPFPointRow, _ int) float64 { return r.UncertaintyV })
	status := lo.Map(rows, func(r CPFPointRow, _ int) uint8 { return r.Status })
	classification := lo.Map(rows, func(r CPFPointRow, _ int) uint8 { return r.Classification })
	ipOffset := lo.Map(rows, func(r CPFPointRow, _ int) float64 { return r.IPOffset })
	ipRank := lo.Map(rows, func(r CPFPointRow, _ int) uint8 { return r.IPRank })
	probability := lo.Map(rows, func(r CPFPointRow, _ int) float64 { return r.Probability })
	filterReason := lo.Map(rows, func(r CPFPointRow, _ int) uint8 { return r.FilterReason })
	dIndex := lo.Map(rows, func(r CPFPointRow, _ int) uint8 { return r.DIndex })

	buffers := []struct {
		name string
		buf  any
	}{
		{"Lon", lon}, {"Lat", lat}, {"ShotID", shotID}, {"Timestamp", ts},
		{"Channel", channel}, {"ReturnIndex", returnIdx}, {"Elevation", elevation},
		{"Reflectance", reflectance}, {"UncertaintyH", uncH}, {"UncertaintyV", uncV},
		{"Status", status}, {"Classification", classification}, {"IPOffset", ipOffset},
		{"IPRank", ipRank}, {"Probability", probability}, {"FilterReason", filterReason},
		{"DIndex", dIndex},
	}
	for _, b := range buffers {
		if _, err := query.SetDataBuffer(b.name, b.buf); err != nil {
			return errJoin(ErrSetBuff, err)
		}
	}

	if err := query.Submit(); err != nil {
		return errJoin(ErrWriteCpfTdb, err)
	}
	return nil
}

// ExportCSFRecords reads every CSF record in [0, nrecords) from reg
// via csfD and writes them densely into the already-created array at
// uri.
func ExportCSFRecords(ctx *tiledb.Context, uri string, reg *czmil.Registry, csfD czmil.Descriptor, nrecords int64) error {
	timestamp := make([]int64, nrecords)
	scanAngle := make([]float64, nrecords)
	lat := make([]float64, nrecords)
	lon := make([]float64, nrecords)
	altitude := make([]float64, nrecords)
	roll := make([]float64, nrecords)
	pitch := make([]float64, nrecords)
	heading := make([]float64, nrecords)

	for i := int64(0); i < nrecords; i++ {
		rec, err := reg.ReadCSFRecord(csfD, i)
		if err != nil {
			return errJoin(ErrWriteCsfTdb, err)
		}
		timestamp[i] = rec.Timestamp
		scanAngle[i] = rec.ScanAngle
		lat[i] = rec.Lat
		lon[i] = rec.Lon
		altitude[i] = rec.Altitude
		roll[i] = rec.Roll
		pitch[i] = rec.Pitch
		heading[i] = rec.Heading
	}

	array, err := ArrayOpen(ctx, uri, tiledb.TILEDB_WRITE)
	if err != nil {
		return errJoin(ErrWriteCsfTdb, err)
	}
	defer array.Free()
	defer array.Close()

	query, err := tiledb.NewQuery(ctx, array)
	if err != nil {
		return errJoin(ErrWriteCsfTdb, err)
	}
	defer query.Free()

	if err := query.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return errJoin(ErrWriteCsfTdb, err)
	}

	subarr, err := array.NewSubarray()
	if err != nil {
		return errJoin(ErrWriteCsfTdb, err)
	}
	defer subarr.Free()
	rng := tiledb.MakeRange(uint64(0), uint64(nrecords-1))
	subarr.AddRangeByName("Ordinal", rng)
	if err := query.SetSubarray(subarr); err != nil {
		return errJoin(ErrWriteCsfTdb, err)
	}

	buffers := []struct {
		name string
		buf  any
	}{
		{"Timestamp", timestamp}, {"ScanAngle", scanAngle}, {"Lat", lat}, {"Lon", lon},
		{"Altitude", altitude}, {"Roll", roll}, {"Pitch", pitch}, {"Heading", heading},
	}
	for _, b := range buffers {
		if _, err := query.SetDataBuffer(b.name, b.buf); err != nil {
			return errJoin(ErrSetBuff, err)
		}
	}

	if err := query.Submit(); err != nil {
		return errJoin(ErrWriteCsfTdb, err)
	}
	return nil
}

// WriteArrayMetadata attaches a JSON-serialised value to a TileDB
// array's metadata store under key.
func WriteArrayMetadata(ctx *tiledb.Context, arrayURI, key string, md any) error {
	array, err := ArrayOpen(ctx, arrayURI, tiledb.TILEDB_WRITE)
	if err != nil {
		return errJoin(ErrWriteMdTdb, err)
	}
	defer array.Free()
	defer array.Close()

	jsn, err := JsonDumps(md)
	if err != nil {
		return errJoin(ErrWriteMdTdb, err)
	}

	if err := array.PutMetadata(key, jsn); err != nil {
		return errJoin(ErrWriteMdTdb, err)
	}
	return nil
}
