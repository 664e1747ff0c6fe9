// Package store implements CalibrationStore (spec §4.4, component C4):
// persisting and loading the dark/flat/gain/reference/influence/SVD
// artefacts named in spec §6, each at a canonical path derived from a
// per-WFS prefix. Loads tolerate missing files (marked absent, not an
// error); saves are atomic per artefact via a temp-file rename, so a
// write failure never leaves a half-written artefact on disk
// (spec §7, "The CalibEngine must be atomic per artefact").
package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Matrix is a dense row-major float matrix, W wide by H tall.
type Matrix struct {
	W, H int
	Data []float64
}

func NewMatrix(w, h int) *Matrix { return &Matrix{W: w, H: h, Data: make([]float64, w*h)} }

func (m *Matrix) At(x, y int) float64     { return m.Data[y*m.W+x] }
func (m *Matrix) Set(x, y int, v float64) { m.Data[y*m.W+x] = v }

// Meta is the sidecar verified before any artefact of a given prefix
// is considered valid (spec §4.4).
type Meta struct {
	Nact    int
	NSubap  int
	TwoNSubap int
}

// Store persists and loads calibration artefacts for one WFS, keyed
// by a path prefix (spec §6: "<pre>_dark", "<pre>_flat", ...).
type Store struct {
	Dir    string
	Prefix string
}

func New(dir, prefix string) *Store {
	return &Store{Dir: dir, Prefix: prefix}
}

func (s *Store) path(suffix string) string {
	return filepath.Join(s.Dir, s.Prefix+suffix)
}

// Artefacts bundles everything a single WFS/WFC-system calibration can
// hold (spec §3, CalibrationStore data model).
type Artefacts struct {
	Dark   *Matrix
	Flat   *Matrix
	Gain   []uint16 // per-subaperture, per-pixel; flattened NSubap*TrackW*TrackH
	Dark16 []uint16
	RefC   []float64

	U  *Matrix // 2*NSubap x Nact
	S  []float64
	Vt *Matrix // Nact x Nact

	Meta Meta

	HasDark, HasFlat, HasGain, HasRefC, HasSVD bool
}

// Load reads every artefact that exists on disk for the store's
// prefix. Missing files are marked absent rather than treated as
// errors (spec §4.4).
func (s *Store) Load() (*Artefacts, error) {
	a := &Artefacts{}

	if meta, ok, err := s.loadMeta(); err != nil {
		return nil, err
	} else if ok {
		a.Meta = meta
	}

	if m, ok, err := s.loadMatrixFile(s.path("_dark")); err != nil {
		return nil, err
	} else if ok {
		a.Dark, a.HasDark = m, true
	}
	if m, ok, err := s.loadMatrixFile(s.path("_flat")); err != nil {
		return nil, err
	} else if ok {
		a.Flat, a.HasFlat = m, true
	}
	if v, ok, err := s.loadVectorFile(s.path("_pinhole")); err != nil {
		return nil, err
	} else if ok {
		a.RefC, a.HasRefC = v, true
	}
	dark16, hasDark16, err := s.loadUint16VectorFile(s.path("_dark16"))
	if err != nil {
		return nil, err
	}
	gain, hasGain, err := s.loadUint16VectorFile(s.path("_gain"))
	if err != nil {
		return nil, err
	}
	if hasDark16 && hasGain {
		a.Dark16, a.Gain, a.HasGain = dark16, gain, true
	}
	if a.Meta.Nact > 0 && a.Meta.NSubap > 0 {
		u, okU, errU := s.loadMatrixFile(s.path("_influence-wfsmodes"))
		vt, okV, errV := s.loadMatrixFile(s.path("_influence-dmmodes"))
		sv, okS, errS := s.loadVectorFile(s.path("_influence-singular"))
		if errU != nil {
			return nil, errU
		}
		if errV != nil {
			return nil, errV
		}
		if errS != nil {
			return nil, errS
		}
		if okU && okV && okS {
			a.U, a.Vt, a.S, a.HasSVD = u, vt, sv, true
		}
	}
	return a, nil
}

func (s *Store) loadMeta() (Meta, bool, error) {
	path := s.path("_influence-meta")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, false, nil
		}
		return Meta{}, false, fmt.Errorf("calibstore: read meta %s: %w", path, err)
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return Meta{}, false, fmt.Errorf("calibstore: meta %s malformed: want 3 ints, got %d fields", path, len(fields))
	}
	nact, err1 := strconv.Atoi(fields[0])
	nsubap, err2 := strconv.Atoi(fields[1])
	twoNsubap, err3 := strconv.Atoi(fields[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return Meta{}, false, fmt.Errorf("calibstore: meta %s: non-integer field", path)
	}
	if twoNsubap != 2*nsubap {
		return Meta{}, false, fmt.Errorf("calibstore: meta %s: inconsistent 2*nsubap (%d != 2*%d)", path, twoNsubap, nsubap)
	}
	return Meta{Nact: nact, NSubap: nsubap, TwoNSubap: twoNsubap}, true, nil
}

func (s *Store) loadMatrixFile(path string) (*Matrix, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("calibstore: open %s: %w", path, err)
	}
	defer f.Close()

	var rows [][]float64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	width := -1
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if width == -1 {
			width = len(fields)
		} else if len(fields) != width {
			return nil, false, fmt.Errorf("calibstore: %s: ragged row (want %d fields, got %d)", path, width, len(fields))
		}
		row := make([]float64, len(fields))
		for i, tok := range fields {
			v, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				return nil, false, fmt.Errorf("calibstore: %s: bad float %q: %w", path, tok, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, false, fmt.Errorf("calibstore: %s: scan: %w", path, err)
	}
	m := &Matrix{W: width, H: len(rows)}
	m.Data = make([]float64, m.W*m.H)
	for y, row := range rows {
		copy(m.Data[y*m.W:(y+1)*m.W], row)
	}
	return m, true, nil
}

func (s *Store) loadUint16VectorFile(path string) ([]uint16, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("calibstore: read %s: %w", path, err)
	}
	fields := strings.Fields(string(data))
	out := make([]uint16, len(fields))
	for i, tok := range fields {
		v, err := strconv.ParseUint(tok, 10, 16)
		if err != nil {
			return nil, false, fmt.Errorf("calibstore: %s: bad uint16 %q: %w", path, tok, err)
		}
		out[i] = uint16(v)
	}
	return out, true, nil
}

func (s *Store) loadVectorFile(path string) ([]float64, bool, error) {
	m, ok, err := s.loadMatrixFile(path)
	if err != nil || !ok {
		return nil, ok, err
	}
	// A vector file is a single row, or one value per line; flatten either way.
	return m.Data, true, nil
}

// saveAtomic truncates and writes path via a temp file + rename so a
// write failure never leaves a partially-written artefact (spec §7).
func saveAtomic(path string, write func(w *bufio.Writer) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("calibstore: create %s: %w", tmp, err)
	}
	w := bufio.NewWriter(f)
	if err := write(w); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("calibstore: write %s: %w", tmp, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("calibstore: flush %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("calibstore: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("calibstore: rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

func writeMatrix(w *bufio.Writer, m *Matrix) error {
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			if x > 0 {
				w.WriteByte(' ')
			}
			fmt.Fprintf(w, "%.10f", m.At(x, y))
		}
		w.WriteByte('\n')
	}
	return nil
}

func writeVector(w *bufio.Writer, v []float64) error {
	for i, x := range v {
		if i > 0 {
			w.WriteByte(' ')
		}
		fmt.Fprintf(w, "%.10f", x)
	}
	w.WriteByte('\n')
	return nil
}

// SaveDark writes the dark matrix artefact.
func (s *Store) SaveDark(m *Matrix) error {
	return saveAtomic(s.path("_dark"), func(w *bufio.Writer) error { return writeMatrix(w, m) })
}

// SaveFlat writes the flat matrix artefact.
func (s *Store) SaveFlat(m *Matrix) error {
	return saveAtomic(s.path("_flat"), func(w *bufio.Writer) error { return writeMatrix(w, m) })
}

// SaveSky writes the sky matrix artefact.
func (s *Store) SaveSky(m *Matrix) error {
	return saveAtomic(s.path("_sky"), func(w *bufio.Writer) error { return writeMatrix(w, m) })
}

// SavePinhole writes the reference displacement vector.
func (s *Store) SavePinhole(refc []float64) error {
	return saveAtomic(s.path("_pinhole"), func(w *bufio.Writer) error { return writeVector(w, refc) })
}

// SaveGain writes the per-subaperture dark16/gain fixed-point arrays
// used by the closed-loop fast correction path (spec §4.7, "GAIN").
func (s *Store) SaveGain(dark16, gain []uint16) error {
	if err := saveAtomic(s.path("_dark16"), func(w *bufio.Writer) error { return writeUint16Vector(w, dark16) }); err != nil {
		return err
	}
	return saveAtomic(s.path("_gain"), func(w *bufio.Writer) error { return writeUint16Vector(w, gain) })
}

func writeUint16Vector(w *bufio.Writer, v []uint16) error {
	for i, x := range v {
		if i > 0 {
			w.WriteByte(' ')
		}
		fmt.Fprintf(w, "%d", x)
	}
	w.WriteByte('\n')
	return nil
}

// SaveInfluence writes the influence matrix M (2*NSubap x Nact) and
// the meta sidecar.
func (s *Store) SaveInfluence(m *Matrix, nsubap int) error {
	if err := saveAtomic(s.path("_influence"), func(w *bufio.Writer) error { return writeMatrix(w, m) }); err != nil {
		return err
	}
	nact := m.W
	return saveAtomic(s.path("_influence-meta"), func(w *bufio.Writer) error {
		_, err := fmt.Fprintf(w, "%d %d %d\n", nact, nsubap, 2*nsubap)
		return err
	})
}

// SaveSVD writes the U, singular values, and Vt artefacts.
func (s *Store) SaveSVD(u *Matrix, sigma []float64, vt *Matrix) error {
	if err := saveAtomic(s.path("_influence-wfsmodes"), func(w *bufio.Writer) error { return writeMatrix(w, u) }); err != nil {
		return err
	}
	if err := saveAtomic(s.path("_influence-dmmodes"), func(w *bufio.Writer) error { return writeMatrix(w, vt) }); err != nil {
		return err
	}
	return saveAtomic(s.path("_influence-singular"), func(w *bufio.Writer) error { return writeVector(w, sigma) })
}
