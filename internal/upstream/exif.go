package upstream

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	goexif "github.com/rwcarlsen/goexif/exif"
)

// hasFocalLength reports whether the JPEG at data already carries a
// FocalLength EXIF tag.
func hasFocalLength(data []byte) bool {
	x, err := goexif.Decode(bytes.NewReader(data))
	if err != nil {
		return false
	}

	_, err = x.Get(goexif.FocalLength)

	return err == nil
}

// InjectFocalLengthIfMissing writes a minimal EXIF APP1 segment
// carrying FocalLength (parsed from the upstream photo's
// "35mm"/"50mm"-shaped string) into a downloaded JPEG that lacks one,
// matching pipeline.py's inject_focal_exif_if_missing_fn call site.
// JPEGs that already carry a FocalLength tag, or whose focal length
// can't be parsed, are returned unchanged.
func InjectFocalLengthIfMissing(data []byte, focalLength string) ([]byte, error) {
	mm, ok := parseFocalMillimeters(focalLength)
	if !ok || hasFocalLength(data) {
		return data, nil
	}

	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil, fmt.Errorf("upstream: not a JPEG (missing SOI marker)")
	}

	segment := buildFocalLengthAPP1(mm)

	// Insert the new APP1 segment right after the SOI marker (the
	// simplest valid insertion point; any later markers, including an
	// existing APP0/JFIF segment, are left untouched after it).
	out := make([]byte, 0, len(data)+len(segment))
	out = append(out, data[:2]...)
	out = append(out, segment...)
	out = append(out, data[2:]...)

	return out, nil
}

// parseFocalMillimeters extracts the integer millimeter value from a
// string like "50mm", "50.0 mm", or "50".
func parseFocalMillimeters(s string) (int, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "mm")
	s = strings.TrimSuffix(s, "MM")
	s = strings.TrimSpace(s)

	if s == "" {
		return 0, false
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0, false
	}

	return int(f + 0.5), true
}

// exifFocalLengthTag is the standard EXIF tag id for FocalLength
// (rational, unit: millimeters).
const exifFocalLengthTag = 0x920A

// buildFocalLengthAPP1 builds a minimal big-endian (Motorola byte
// order) TIFF structure containing a single FocalLength IFD entry,
// wrapped in a JPEG APP1 "Exif\x00\x00" segment.
func buildFocalLengthAPP1(mm int) []byte {
	var tiff bytes.Buffer

	tiff.WriteString("MM") // byte order: big-endian
	binary.Write(&tiff, binary.BigEndian, uint16(42))
	binary.Write(&tiff, binary.BigEndian, uint32(8)) // offset of the first IFD

	// IFD0: one entry (FocalLength), no next IFD.
	binary.Write(&tiff, binary.BigEndian, uint16(1))
	binary.Write(&tiff, binary.BigEndian, uint16(exifFocalLengthTag))
	binary.Write(&tiff, binary.BigEndian, uint16(5))  // type RATIONAL
	binary.Write(&tiff, binary.BigEndian, uint32(1))  // count
	binary.Write(&tiff, binary.BigEndian, uint32(26)) // offset to the rational value, right after IFD0
	binary.Write(&tiff, binary.BigEndian, uint32(0))  // next IFD offset = 0

	// The rational value itself: mm/1.
	binary.Write(&tiff, binary.BigEndian, uint32(mm))
	binary.Write(&tiff, binary.BigEndian, uint32(1))

	payload := append([]byte("Exif\x00\x00"), tiff.Bytes()...)

	var seg bytes.Buffer
	seg.WriteByte(0xFF)
	seg.WriteByte(0xE1) // APP1 marker
	binary.Write(&seg, binary.BigEndian, uint16(len(payload)+2))
	seg.Write(payload)

	return seg.Bytes()
}
