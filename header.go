package czmil

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/soniakeys/meeus/v3/julian"
)

// magicSubstring must appear somewhere in the first 128 bytes of a
// valid CZMIL file, per spec.md §4.2 / §6.
const magicSubstring = "CZMIL library"

const endOfHeaderSentinel = "[END OF HEADER]"

// appSectionMarker introduces the application-defined-fields section;
// every tag seen after it that this codec does not recognise is
// preserved verbatim rather than rejected (spec.md §4.2, invariant I7).
const appSectionMarker = "[APPLICATION DEFINED FIELDS]"

// AppTag is one application-defined header entry preserved byte-for-
// byte across reads and writes (invariant I7). Body holds the literal
// line(s) between the tag delimiters, not re-parsed or reformatted.
type AppTag struct {
	Name      string
	MultiLine bool
	Body      []string
}

// Header holds everything read from, or to be written to, the ASCII
// header that precedes every CZMIL file's binary records. Only the
// fields relevant to Kind are meaningful; the others are zero.
type Header struct {
	Kind    FileKind
	Version Version

	HeaderSize             int
	CreationTimestamp      int64 // microseconds since Unix epoch
	ModificationTimestamp  int64
	NumberOfRecords        int64
	FileSize               int64

	BaseLatitude  float64
	BaseLongitude float64

	BBox     BoundingBox
	bboxSeen bool
	Flight   TimeSpan

	CWF CWFFields
	CPF CPFFields
	CSF CSFFields
	CAF CAFFields

	// ApplicationTimestamp is stamped into a CAF header when an audit
	// is applied (spec.md §4.5).
	ApplicationTimestamp int64

	AppTags []AppTag
}

// tagIndex returns the position of tag name in h.AppTags, or -1.
func (h *Header) tagIndex(name string) int {
	for i, t := range h.AppTags {
		if t.Name == name {
			return i
		}
	}
	return -1
}

// reservedNames lists the canonical tags application tags must not
// collide with (invariant I7).
var reservedNames = map[string]bool{
	"VERSION": true, "FILE TYPE": true, "CREATION TIMESTAMP": true,
	"MODIFICATION TIMESTAMP": true, "NUMBER OF RECORDS": true,
	"HEADER SIZE": true, "FILE SIZE": true, "MIN LATITUDE": true,
	"MAX LATITUDE": true, "MIN LONGITUDE": true, "MAX LONGITUDE": true,
	"BASE LATITUDE": true, "BASE LONGITUDE": true,
	"FLIGHT START TIMESTAMP": true, "FLIGHT END TIMESTAMP": true,
	"APPLICATION TIMESTAMP": true,
}

// AddAppTag adds a new application-defined tag, failing if name
// collides with a reserved tag or an existing application tag.
func (h *Header) AddAppTag(name string, body []string, multiLine bool) error {
	upper := strings.ToUpper(name)
	if reservedNames[upper] {
		return protocolErr("", fmt.Sprintf("application tag name %q is reserved", name))
	}
	if h.tagIndex(name) >= 0 {
		return protocolErr("", fmt.Sprintf("application tag %q already exists", name))
	}
	h.AppTags = append(h.AppTags, AppTag{Name: name, MultiLine: multiLine, Body: body})
	return nil
}

// GetAppTag returns the named application tag's body.
func (h *Header) GetAppTag(name string) ([]string, bool) {
	i := h.tagIndex(name)
	if i < 0 {
		return nil, false
	}
	return h.AppTags[i].Body, true
}

// UpdateAppTag replaces the body of an existing application tag.
func (h *Header) UpdateAppTag(name string, body []string) error {
	i := h.tagIndex(name)
	if i < 0 {
		return protocolErr("", fmt.Sprintf("application tag %q does not exist", name))
	}
	h.AppTags[i].Body = body
	return nil
}

// DeleteAppTag removes an application tag; the header's tail shifts up
// and the vacated space is space-filled on the next Write, per
// spec.md §4.2.
func (h *Header) DeleteAppTag(name string) error {
	i := h.tagIndex(name)
	if i < 0 {
		return protocolErr("", fmt.Sprintf("application tag %q does not exist", name))
	}
	h.AppTags = append(h.AppTags[:i], h.AppTags[i+1:]...)
	return nil
}

// ReadHeader sniffs the magic substring in the first 128 bytes, then
// parses the line-oriented header from r. On success the caller's
// stream cursor should be seeked to HeaderSize before reading the
// first record; ReadHeader reads r through a 4096-byte buffer, so it
// may consume bytes past [END OF HEADER].
func ReadHeader(r io.Reader, kind FileKind) (*Header, error) {
	br := bufio.NewReaderSize(r, 4096)

	sniff, _ := br.Peek(128)
	if !bytes.Contains(sniff, []byte(magicSubstring)) {
		return nil, corruptErr("", "missing CZMIL library magic in first 128 bytes", nil)
	}

	h := &Header{Kind: kind}
	switch kind {
	case KindCWF:
		h.CWF = NewCWFFields(LibraryVersion.Major)
	case KindCPF:
		h.CPF = NewCPFFields(LibraryVersion.Major)
	case KindCSF:
		h.CSF = NewCSFFields(LibraryVersion.Major)
	case KindCAF:
		h.CAF = NewCAFFields()
	}

	inAppSection := false
	for {
		line, err := readHeaderLine(br)
		if err != nil {
			return nil, ioErr("", "reading header line", err)
		}
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
			continue
		case strings.HasPrefix(trimmed, "#"):
			continue
		case trimmed == endOfHeaderSentinel:
			return h, nil
		case trimmed == appSectionMarker:
			inAppSection = true
			continue
		case strings.HasPrefix(trimmed, "{"):
			name, body, err := readMultiLineBody(br, trimmed)
			if err != nil {
				return nil, err
			}
			if !h.applyKnownTag(name, strings.Join(body, "\n")) {
				if !inAppSection {
					return nil, corruptErr("", fmt.Sprintf("unrecognised tag %q outside application section", name), nil)
				}
				h.AppTags = append(h.AppTags, AppTag{Name: name, MultiLine: true, Body: body})
			}
		case strings.HasPrefix(trimmed, "["):
			name, value, ok := splitTag(trimmed)
			if !ok {
				continue
			}
			if !h.applyKnownTag(name, value) {
				if !inAppSection {
					return nil, corruptErr("", fmt.Sprintf("unrecognised tag %q outside application section", name), nil)
				}
				h.AppTags = append(h.AppTags, AppTag{Name: name, Body: []string{value}})
			}
		}
	}
}

func readHeaderLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	if err == io.EOF && line == "" {
		return "", io.EOF
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readMultiLineBody reads lines until one whose first non-space
// character is '}', stripping trailing CR/LF, per spec.md §4.2.
func readMultiLineBody(br *bufio.Reader, openLine string) (name string, body []string, err error) {
	name = strings.TrimPrefix(openLine, "{")
	if idx := strings.Index(name, "="); idx >= 0 {
		name = name[:idx]
	}
	name = strings.TrimSpace(name)

	for {
		line, e := readHeaderLine(br)
		if e != nil {
			return "", nil, ioErr("", "reading multi-line tag body", e)
		}
		if strings.HasPrefix(strings.TrimSpace(line), "}") {
			return name, body, nil
		}
		body = append(body, line)
	}
}

func splitTag(line string) (name, value string, ok bool) {
	end := strings.Index(line, "]")
	if !strings.HasPrefix(line, "[") || end < 0 {
		return "", "", false
	}
	name = line[1:end]
	rest := strings.TrimSpace(line[end+1:])
	rest = strings.TrimPrefix(rest, "=")
	value = strings.TrimSpace(rest)
	return name, value, true
}

// applyKnownTag assigns value to the Header field tag names, if
// recognised, returning true; otherwise returns false so the caller
// treats it as an application tag.
func (h *Header) applyKnownTag(tag, value string) bool {
	switch tag {
	case "VERSION":
		h.Version = parseVersion(value)
		switch h.Kind {
		case KindCWF:
			h.CWF = NewCWFFields(h.Version.Major)
		case KindCPF:
			h.CPF = NewCPFFields(h.Version.Major)
		case KindCSF:
			h.CSF = NewCSFFields(h.Version.Major)
		}
	case "FILE TYPE":
		// informational only; Kind is supplied by the caller who
		// already knows which file it opened.
	case "CREATION TIMESTAMP":
		h.CreationTimestamp = parseInt64(value)
	case "MODIFICATION TIMESTAMP":
		h.ModificationTimestamp = parseInt64(value)
	case "NUMBER OF RECORDS":
		h.NumberOfRecords = parseInt64(value)
	case "HEADER SIZE":
		h.HeaderSize = int(parseInt64(value))
	case "FILE SIZE":
		h.FileSize = parseInt64(value)
	case "MIN LATITUDE":
		h.BBox.MinLat = parseFloat(value)
		h.bboxSeen = true
	case "MAX LATITUDE":
		h.BBox.MaxLat = parseFloat(value)
		h.bboxSeen = true
	case "MIN LONGITUDE":
		h.BBox.MinLon = parseFloat(value)
		h.bboxSeen = true
	case "MAX LONGITUDE":
		h.BBox.MaxLon = parseFloat(value)
		h.bboxSeen = true
	case "BASE LATITUDE":
		h.BaseLatitude = parseFloat(value)
	case "BASE LONGITUDE":
		h.BaseLongitude = parseFloat(value)
	case "FLIGHT START TIMESTAMP":
		h.Flight.StartMicros = parseInt64(value)
		h.Flight.seen = true
	case "FLIGHT END TIMESTAMP":
		h.Flight.EndMicros = parseInt64(value)
		h.Flight.seen = true
	case "APPLICATION TIMESTAMP":
		h.ApplicationTimestamp = parseInt64(value)

	// CWF bit-field declarations
	case "SAMPLE BITS":
		h.CWF.SampleBits = parseBits(value)
	case "CZMIL MAX PACKETS":
		h.CWF.MaxPackets = int(parseInt64(value))
	case "RANGE BITS":
		h.CWF.RangeBits = parseBits(value)
	case "RANGE SCALE":
		h.CWF.RangeScale = parseFloat(value)
	case "TYPE BITS":
		h.CWF.TypeBits = parseBits(value)
	case "SCAN ANGLE BITS":
		h.CWF.ScanAngleBits = parseBits(value)
	case "SCAN ANGLE SCALE":
		h.CWF.ScanAngleScale = parseFloat(value)
	case "TIME BITS":
		h.CWF.TimeBits = parseBits(value)
		h.CSF.TimeBits = h.CWF.TimeBits
		h.CPF.TimeBits = h.CWF.TimeBits

	// CPF bit-field declarations
	case "CZMIL MAX RETURNS":
		h.CPF.MaxReturns = int(parseInt64(value))
	case "LAT BITS":
		h.CPF.RefLat.Bits = parseBits(value)
		h.CSF.Lat.Bits = h.CPF.RefLat.Bits
	case "LAT SCALE":
		h.CPF.RefLat.Scale = parseFloat(value)
		h.CSF.Lat.Scale = h.CPF.RefLat.Scale
	case "LON BITS":
		h.CPF.RefLon.Bits = parseBits(value)
		h.CSF.Lon.Bits = h.CPF.RefLon.Bits
	case "LON SCALE":
		h.CPF.RefLon.Scale = parseFloat(value)
		h.CSF.Lon.Scale = h.CPF.RefLon.Scale
	case "ELEV BITS":
		h.CPF.Elevation.Bits = parseBits(value)
	case "ELEV SCALE":
		h.CPF.Elevation.Scale = parseFloat(value)

	case "BUFFER SIZE BYTES":
		// informational mirror of BufferSizeBits/8; not authoritative.
	default:
		return false
	}
	return true
}

func parseVersion(s string) Version {
	s = strings.TrimPrefix(strings.TrimSpace(s), "V")
	parts := strings.SplitN(s, ".", 2)
	v := Version{}
	if len(parts) > 0 {
		v.Major, _ = strconv.Atoi(parts[0])
	}
	if len(parts) > 1 {
		v.Minor, _ = strconv.Atoi(parts[1])
	}
	return v
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

func parseBits(s string) uint {
	n, _ := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	return uint(n)
}

// WriteHeader serialises h in canonical order, appends preserved
// application tags verbatim, emits the end-of-header sentinel, and
// space-pads to h.HeaderSize. Returns an error if the serialised
// header does not fit.
func WriteHeader(w io.Writer, h *Header) error {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "########## %s %s file header ##########\n", magicSubstring, h.Kind)
	fmt.Fprintf(&buf, "[VERSION] = V%s\n", h.Version)
	fmt.Fprintf(&buf, "[FILE TYPE] = %s\n", h.Kind)
	fmt.Fprintf(&buf, "[CREATION TIMESTAMP] = %d\n", h.CreationTimestamp)
	fmt.Fprintf(&buf, "[MODIFICATION TIMESTAMP] = %d\n", h.ModificationTimestamp)
	fmt.Fprintf(&buf, "[NUMBER OF RECORDS] = %d\n", h.NumberOfRecords)
	fmt.Fprintf(&buf, "[HEADER SIZE] = %d\n", h.HeaderSize)
	fmt.Fprintf(&buf, "[FILE SIZE] = %d\n", h.FileSize)

	if h.bboxSeen {
		fmt.Fprintf(&buf, "[MIN LATITUDE] = %.9f\n", h.BBox.MinLat)
		fmt.Fprintf(&buf, "[MAX LATITUDE] = %.9f\n", h.BBox.MaxLat)
		fmt.Fprintf(&buf, "[MIN LONGITUDE] = %.9f\n", h.BBox.MinLon)
		fmt.Fprintf(&buf, "[MAX LONGITUDE] = %.9f\n", h.BBox.MaxLon)
	}
	if h.Kind == KindCPF || h.Kind == KindCSF {
		fmt.Fprintf(&buf, "[BASE LATITUDE] = %.9f\n", h.BaseLatitude)
		fmt.Fprintf(&buf, "[BASE LONGITUDE] = %.9f\n", h.BaseLongitude)
	}
	if h.Flight.seen {
		fmt.Fprintf(&buf, "[FLIGHT START TIMESTAMP] = %d\n", h.Flight.StartMicros)
		fmt.Fprintf(&buf, "[FLIGHT END TIMESTAMP] = %d\n", h.Flight.EndMicros)
	}
	if h.Kind == KindCAF {
		fmt.Fprintf(&buf, "[APPLICATION TIMESTAMP] = %d\n", h.ApplicationTimestamp)
	}

	fmt.Fprintf(&buf, "[TIME BITS] = %d\n", timeBitsFor(h))

	switch h.Kind {
	case KindCWF:
		fmt.Fprintf(&buf, "[SAMPLE BITS] = %d\n", h.CWF.SampleBits)
		fmt.Fprintf(&buf, "[CZMIL MAX PACKETS] = %d\n", h.CWF.MaxPackets)
		fmt.Fprintf(&buf, "[RANGE BITS] = %d\n", h.CWF.RangeBits)
		fmt.Fprintf(&buf, "[RANGE SCALE] = %g\n", h.CWF.RangeScale)
		fmt.Fprintf(&buf, "[TYPE BITS] = %d\n", h.CWF.TypeBits)
		fmt.Fprintf(&buf, "[SCAN ANGLE BITS] = %d\n", h.CWF.ScanAngleBits)
		fmt.Fprintf(&buf, "[SCAN ANGLE SCALE] = %g\n", h.CWF.ScanAngleScale)
	case KindCPF:
		fmt.Fprintf(&buf, "[CZMIL MAX RETURNS] = %d\n", h.CPF.MaxReturns)
		fmt.Fprintf(&buf, "[LAT BITS] = %d\n", h.CPF.RefLat.Bits)
		fmt.Fprintf(&buf, "[LAT SCALE] = %g\n", h.CPF.RefLat.Scale)
		fmt.Fprintf(&buf, "[LON BITS] = %d\n", h.CPF.RefLon.Bits)
		fmt.Fprintf(&buf, "[LON SCALE] = %g\n", h.CPF.RefLon.Scale)
		fmt.Fprintf(&buf, "[ELEV BITS] = %d\n", h.CPF.Elevation.Bits)
		fmt.Fprintf(&buf, "[ELEV SCALE] = %g\n", h.CPF.Elevation.Scale)
	case KindCSF:
		fmt.Fprintf(&buf, "[LAT BITS] = %d\n", h.CSF.Lat.Bits)
		fmt.Fprintf(&buf, "[LAT SCALE] = %g\n", h.CSF.Lat.Scale)
		fmt.Fprintf(&buf, "[LON BITS] = %d\n", h.CSF.Lon.Bits)
		fmt.Fprintf(&buf, "[LON SCALE] = %g\n", h.CSF.Lon.Scale)
	}

	if len(h.AppTags) > 0 {
		fmt.Fprintf(&buf, "%s\n", appSectionMarker)
		for _, t := range h.AppTags {
			if err := writeAppTag(&buf, t); err != nil {
				return err
			}
		}
	}

	buf.WriteString(endOfHeaderSentinel)
	buf.WriteByte('\n')

	if h.HeaderSize > 0 && buf.Len() > h.HeaderSize {
		return protocolErr("", fmt.Sprintf("serialised header (%d bytes) exceeds declared header size (%d bytes)", buf.Len(), h.HeaderSize))
	}

	if h.HeaderSize > 0 {
		pad := h.HeaderSize - buf.Len()
		buf.Write(bytes.Repeat([]byte{' '}, pad))
	}

	_, err := w.Write(buf.Bytes())
	if err != nil {
		return ioErr("", "writing header", err)
	}
	return nil
}

func timeBitsFor(h *Header) uint {
	switch h.Kind {
	case KindCWF:
		return h.CWF.TimeBits
	case KindCPF:
		return h.CPF.TimeBits
	case KindCSF:
		return h.CSF.TimeBits
	default:
		return 0
	}
}

func writeAppTag(buf *bytes.Buffer, t AppTag) error {
	if reservedNames[strings.ToUpper(t.Name)] {
		return protocolErr("", fmt.Sprintf("application tag name %q is reserved", t.Name))
	}
	if t.MultiLine {
		fmt.Fprintf(buf, "{%s =\n", t.Name)
		for _, line := range t.Body {
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
		buf.WriteString("}\n")
		return nil
	}
	val := ""
	if len(t.Body) > 0 {
		val = t.Body[0]
	}
	fmt.Fprintf(buf, "[%s] = %s\n", t.Name, val)
	return nil
}

// FlightDayOfYear reports the header's flight-start timestamp as a
// (year, day-of-year) pair, the conventional way a survey flight's
// acquisition date is embedded in CZMIL file and mission naming
// (e.g. "2026099" for day 99 of 2026).
func (h *Header) FlightDayOfYear() (year, doy int) {
	t := microsToTime(h.Flight.StartMicros).UTC()
	return t.Year(), t.YearDay()
}

// FlightCalendarDate reconstructs the calendar month/day for a given
// (year, day-of-year) pair, the inverse of FlightDayOfYear, used when
// a caller has only a mission's year/day-of-year naming convention and
// needs the equivalent Gregorian date.
func FlightCalendarDate(year, doy int) (month int, day float64) {
	m, d := julian.DayOfYearToCalendar(doy, julian.LeapYearGregorian(year))
	return m, float64(d)
}
