package kdtree

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/geo/r3"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/pointlod/spatialmath"
)

var cacheMagic = [4]byte{'P', 'K', 'D', 'T'}

const (
	cacheVersion uint16 = 1

	// maxCachedEntries rejects implausible header counts before they turn
	// into huge allocations.
	maxCachedEntries = 1 << 28
)

// diskHeader leads every cached tree file. The fingerprint and depth are
// re-checked against the requested build so stale files never load.
type diskHeader struct {
	Magic       [4]byte
	Version     uint16
	Fingerprint uint64
	MaxDepth    int32
	Root        int32
	EntryCount  uint32
	NodeCount   uint32
}

type diskEntry struct {
	X, Y, Z float64
	Index   int32
}

type diskNode struct {
	Axis  int32
	Split float64
	Pivot int32
	Left  int32
	Right int32
	Start int32
	End   int32
}

// fingerprintEntries hashes the exact build input: every coordinate and
// index in order, then the depth cap.
func fingerprintEntries(es []entry, maxDepth int) uint64 {
	d := xxhash.New()
	var buf [8]byte
	putFloat := func(f float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
		_, _ = d.Write(buf[:])
	}
	putInt := func(i int32) {
		binary.LittleEndian.PutUint32(buf[:4], uint32(i))
		_, _ = d.Write(buf[:4])
	}
	for _, e := range es {
		putFloat(e.point.X)
		putFloat(e.point.Y)
		putFloat(e.point.Z)
		putInt(e.index)
	}
	putInt(int32(maxDepth))
	return d.Sum64()
}

// cacheFileName is the content addressed path for a fingerprint.
func cacheFileName(dir string, fingerprint uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%016x.kdt", fingerprint))
}

func saveTree(path string, t *Tree) (err error) {
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()

	bw := bufio.NewWriterSize(f, 1<<20)
	enc, err := zstd.NewWriter(bw)
	if err != nil {
		return err
	}
	err = writeTree(enc, t)
	if cerr := enc.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return bw.Flush()
}

func writeTree(w io.Writer, t *Tree) error {
	hdr := diskHeader{
		Magic:       cacheMagic,
		Version:     cacheVersion,
		Fingerprint: t.fingerprint,
		MaxDepth:    t.maxDepth,
		Root:        t.root,
		EntryCount:  uint32(len(t.entries)),
		NodeCount:   uint32(len(t.nodes)),
	}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	for _, e := range t.entries {
		de := diskEntry{X: e.point.X, Y: e.point.Y, Z: e.point.Z, Index: e.index}
		if err := binary.Write(w, binary.LittleEndian, de); err != nil {
			return err
		}
	}
	for _, nd := range t.nodes {
		dn := diskNode{
			Axis:  int32(nd.axis),
			Split: nd.split,
			Pivot: nd.pivot,
			Left:  nd.left,
			Right: nd.right,
			Start: nd.start,
			End:   nd.end,
		}
		if err := binary.Write(w, binary.LittleEndian, dn); err != nil {
			return err
		}
	}
	return nil
}

// loadTree reads a cached tree and verifies it belongs to the requested
// build. Any failure is reported as an error for the caller to fall back
// on; it is never fatal.
func loadTree(path string, fingerprint uint64, maxDepth int32) (*Tree, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(f.Close)

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var hdr diskHeader
	if err := binary.Read(dec, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	if hdr.Magic != cacheMagic || hdr.Version != cacheVersion {
		return nil, errors.New("unrecognized cache header")
	}
	if hdr.Fingerprint != fingerprint || hdr.MaxDepth != maxDepth {
		return nil, errors.New("cache does not match input")
	}
	if hdr.EntryCount > maxCachedEntries || hdr.NodeCount > 2*maxCachedEntries {
		return nil, errors.New("cache header counts out of range")
	}

	t := &Tree{
		entries:     make([]entry, hdr.EntryCount),
		nodes:       make([]node, hdr.NodeCount),
		root:        hdr.Root,
		maxDepth:    hdr.MaxDepth,
		fingerprint: hdr.Fingerprint,
		fromCache:   true,
	}
	for i := range t.entries {
		var de diskEntry
		if err := binary.Read(dec, binary.LittleEndian, &de); err != nil {
			return nil, err
		}
		t.entries[i] = entry{point: r3.Vector{X: de.X, Y: de.Y, Z: de.Z}, index: de.Index}
	}
	for i := range t.nodes {
		var dn diskNode
		if err := binary.Read(dec, binary.LittleEndian, &dn); err != nil {
			return nil, err
		}
		t.nodes[i] = node{
			axis:  spatialmath.Axis(dn.Axis),
			split: dn.Split,
			pivot: dn.Pivot,
			left:  dn.Left,
			right: dn.Right,
			start: dn.Start,
			end:   dn.End,
		}
	}
	if err := validateLinks(t); err != nil {
		return nil, err
	}
	return t, nil
}

// validateLinks bounds-checks every arena reference so a decodable but
// malformed file cannot panic or hang later queries. The builder appends
// children after their parent, so child positions must strictly increase;
// that rules out link cycles.
func validateLinks(t *Tree) error {
	nEntries := int32(len(t.entries))
	nNodes := int32(len(t.nodes))
	if t.root < -1 || t.root >= nNodes {
		return errors.New("cache root out of range")
	}
	for i, nd := range t.nodes {
		if nd.pivot < -1 || nd.pivot >= nEntries ||
			nd.left < -1 || nd.left >= nNodes ||
			nd.right < -1 || nd.right >= nNodes ||
			nd.start < 0 || nd.end < nd.start || nd.end > nEntries {
			return errors.New("cache node references out of range")
		}
		pos := int32(i)
		if (nd.left >= 0 && nd.left <= pos) || (nd.right >= 0 && nd.right <= pos) {
			return errors.New("cache node links out of order")
		}
		if nd.pivot >= 0 && (nd.axis < spatialmath.AxisX || nd.axis > spatialmath.AxisZ) {
			return errors.New("cache node axis out of range")
		}
	}
	return nil
}
