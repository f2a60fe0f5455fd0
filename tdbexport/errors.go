package tdbexport

import (
	"errors"
)

var ErrCreateCpfTdb = errors.New("Error Creating CPF Point TileDB Array")
var ErrWriteCpfTdb = errors.New("Error Writing CPF Point TileDB Array")
var ErrCreateCsfTdb = errors.New("Error Creating CSF Sensor TileDB Array")
var ErrWriteCsfTdb = errors.New("Error Writing CSF Sensor TileDB Array")
var ErrCreateMdTdb = errors.New("Error Creating Metadata TileDB Array")
var ErrWriteMdTdb = errors.New("Error Writing Metadata TileDB Array")
var ErrCreateAttributeTdb = errors.New("Error Creating Attribute for TileDB Array")
var ErrCreateSchemaTdb = errors.New("Error Creating TileDB Schema")
var ErrCreateDimTdb = errors.New("Error Creating TileDB Dimension")
var ErrAddFilters = errors.New("Error Adding Filter To FilterList")
var ErrDims = errors.New("Error Dims Is > 2")
var ErrDtype = errors.New("Error Slice Datatype Is Unexpected")
var ErrSetBuff = errors.New("Error Setting TileDB Buffer")
var ErrFiltList = errors.New("Error Creating TileDB Filter List")
var ErrNewAttr = errors.New("Error Creating TileDB Attribute")
var ErrNewFilt = errors.New("Error Creating TileDB Filter")
var ErrSetFiltList = errors.New("Error Setting TileDB Filter List")
var ErrAddAttr = errors.New("Error Adding TileDB Attribute")
var ErrZstdFilt = errors.New("Error Creating TileDB ZStandard Filter")

// errJoin wraps a sentinel with its underlying cause, the same
// errors.Join idiom the root package's error handling uses.
func errJoin(sentinel error, cause error) error {
	return errors.Join(sentinel, cause)
}
