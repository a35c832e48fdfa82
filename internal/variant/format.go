package variant

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Open reads the registry file at path. A missing file is not an error: the
// path is remembered and the registry marked dirty so the first Sync creates
// it.
func (c *Cache) Open(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		c.mu.Lock()
		c.path = path
		c.dirty = true
		c.mu.Unlock()
		log.Info().Str("path", path).Msg("variant cache file not found, starting empty")
		return nil
	}
	return c.Read(path)
}

// Read merges the records in the registry file at path. Loading any records,
// or loading into a non-empty registry, leaves the registry dirty so the next
// Sync rewrites the file in canonical form.
func (c *Cache) Read(path string) error {
	log.Info().Str("path", path).Msg("reading variant cache")

	f, err := os.Open(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("could not read variant cache file")
		return fmt.Errorf("read variant cache: %w", err)
	}
	defer f.Close()

	records, err := Parse(f)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("could not parse variant cache file")
		return fmt.Errorf("parse variant cache %s: %w", path, err)
	}

	emptyBefore := c.Len() == 0
	for _, fd := range records {
		c.Add(fd)
	}

	c.mu.Lock()
	c.path = path
	c.dirty = len(records) > 0 || !emptyBefore
	c.mu.Unlock()
	return nil
}

// Write saves the registry to path, replacing the file atomically.
func (c *Cache) Write(path string) error {
	log.Info().Str("path", path).Msg("writing variant cache")

	c.mu.Lock()
	groups := c.snapshotLocked()
	c.path = path
	c.dirty = false
	c.mu.Unlock()

	var buf bytes.Buffer
	for _, g := range groups {
		for _, fd := range g.variants {
			if err := Format(&buf, fd); err != nil {
				return err
			}
		}
	}
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
		return fmt.Errorf("write variant cache: %w", err)
	}
	return nil
}

// Sync writes the registry to the file it came from when it has changes.
func (c *Cache) Sync() error {
	c.mu.Lock()
	path, dirty := c.path, c.dirty
	c.mu.Unlock()
	if !dirty || path == "" {
		return nil
	}
	return c.Write(path)
}

// Format writes one FileDetails block.
func Format(w io.Writer, fd FileDetails) error {
	var b strings.Builder
	b.WriteString("FileDetails {\n")
	for _, f := range fields(fd, true) {
		b.WriteString("  ")
		b.WriteString(f)
		b.WriteByte('\n')
	}
	b.WriteString("}\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// fields renders the set fields of fd, one "key value..." line each.
func fields(fd FileDetails, quote bool) []string {
	str := func(s string) string {
		if quote {
			return strconv.Quote(s)
		}
		return s
	}
	num := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

	var out []string
	if fd.Build != "" {
		out = append(out, "build "+str(fd.Build))
	}
	if fd.Host != "" {
		out = append(out, "hostname "+str(fd.Host))
	}
	if fd.Original != "" {
		out = append(out, "original "+str(fd.Original))
	}
	if fd.File != "" {
		out = append(out, "file "+str(fd.File))
	}
	sp := fd.Spatial
	if sp.CoordinateSystem != "" {
		out = append(out, "cs "+str(sp.CoordinateSystem))
	}
	if e := sp.Extents; e != (Extents{}) {
		out = append(out, strings.Join([]string{"extents", num(e.MinX), num(e.MinY), num(e.MaxX), num(e.MaxY)}, " "))
	}
	if g := sp.GeoTransform; !g.IsZero() {
		out = append(out, strings.Join([]string{"geoTransform",
			num(g.PixelWidth), num(g.RowRotation), num(g.ColRotation),
			num(g.PixelHeight), num(g.OriginX), num(g.OriginY)}, " "))
	}
	if sp.SizeX > 0 || sp.SizeY > 0 || sp.SizeZ > 0 {
		out = append(out, fmt.Sprintf("size %d %d %d", sp.SizeX, sp.SizeY, sp.SizeZ))
	}
	return out
}

// Parse reads every FileDetails block from r. Unknown keys and malformed
// values are skipped.
func Parse(r io.Reader) ([]FileDetails, error) {
	toks, err := tokenize(r)
	if err != nil {
		return nil, err
	}

	var out []FileDetails
	for i := 0; i < len(toks); {
		if toks[i].text == "FileDetails" && !toks[i].quoted && i+1 < len(toks) && toks[i+1].isOpen() {
			fd, next := parseBlock(toks, i+2)
			out = append(out, fd)
			i = next
			continue
		}
		i++
	}
	return out, nil
}

// parseBlock reads fields from toks[i:] up to the block's closing brace and
// returns the index after it.
func parseBlock(toks []token, i int) (FileDetails, int) {
	var fd FileDetails
	depth := 0
	for i < len(toks) {
		t := toks[i]
		switch {
		case t.isOpen():
			depth++
			i++
			continue
		case t.isClose():
			if depth == 0 {
				return fd, i + 1
			}
			depth--
			i++
			continue
		}
		if depth > 0 || t.quoted {
			i++
			continue
		}

		args := toks[i+1:]
		if n := readField(&fd, t.text, args); n > 0 {
			i += 1 + n
			continue
		}
		i++
	}
	return fd, i
}

// readField applies key with its arguments to fd and returns how many
// argument tokens it consumed, or 0 when key is unknown or malformed.
func readField(fd *FileDetails, key string, args []token) int {
	strArg := func(dst *string) int {
		if len(args) < 1 || args[0].isOpen() || args[0].isClose() {
			return 0
		}
		*dst = args[0].text
		return 1
	}
	floats := func(n int) ([]float64, bool) {
		if len(args) < n {
			return nil, false
		}
		vs := make([]float64, n)
		for k := 0; k < n; k++ {
			v, err := strconv.ParseFloat(args[k].text, 64)
			if err != nil || args[k].quoted {
				return nil, false
			}
			vs[k] = v
		}
		return vs, true
	}

	switch key {
	case "build":
		return strArg(&fd.Build)
	case "hostname":
		return strArg(&fd.Host)
	case "original":
		return strArg(&fd.Original)
	case "file":
		return strArg(&fd.File)
	case "cs":
		return strArg(&fd.Spatial.CoordinateSystem)
	case "extents":
		if v, ok := floats(4); ok {
			fd.Spatial.Extents = Extents{MinX: v[0], MinY: v[1], MaxX: v[2], MaxY: v[3]}
			return 4
		}
	case "geoTransform":
		if v, ok := floats(6); ok {
			fd.Spatial.GeoTransform = GeoTransform{
				PixelWidth: v[0], RowRotation: v[1], ColRotation: v[2],
				PixelHeight: v[3], OriginX: v[4], OriginY: v[5],
			}
			return 6
		}
	case "size":
		if len(args) < 3 {
			return 0
		}
		var vs [3]int
		for k := range vs {
			v, err := strconv.Atoi(args[k].text)
			if err != nil {
				return 0
			}
			vs[k] = v
		}
		fd.Spatial.SizeX, fd.Spatial.SizeY, fd.Spatial.SizeZ = vs[0], vs[1], vs[2]
		return 3
	}
	return 0
}

type token struct {
	text   string
	quoted bool
}

func (t token) isOpen() bool  { return !t.quoted && t.text == "{" }
func (t token) isClose() bool { return !t.quoted && t.text == "}" }

// tokenize splits the input into words, braces and double-quoted strings.
func tokenize(r io.Reader) ([]token, error) {
	br := bufio.NewReader(r)
	var (
		toks []token
		word strings.Builder
	)
	flush := func() {
		if word.Len() > 0 {
			toks = append(toks, token{text: word.String()})
			word.Reset()
		}
	}
	for {
		ch, _, err := br.ReadRune()
		if err == io.EOF {
			flush()
			return toks, nil
		}
		if err != nil {
			return nil, err
		}
		switch {
		case ch == '"':
			flush()
			s, err := readQuoted(br)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{text: s, quoted: true})
		case ch == '{' || ch == '}':
			flush()
			toks = append(toks, token{text: string(ch)})
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			word.WriteRune(ch)
		}
	}
}

// readQuoted consumes a quoted string whose opening quote was already read.
func readQuoted(br *bufio.Reader) (string, error) {
	var raw strings.Builder
	raw.WriteByte('"')
	for {
		ch, _, err := br.ReadRune()
		if err != nil {
			if err == io.EOF {
				return "", errors.New("unterminated string")
			}
			return "", err
		}
		raw.WriteRune(ch)
		if ch == '\\' {
			next, _, err := br.ReadRune()
			if err != nil {
				return "", errors.New("unterminated string")
			}
			raw.WriteRune(next)
			continue
		}
		if ch == '"' {
			break
		}
	}
	s, err := strconv.Unquote(raw.String())
	if err != nil {
		q := raw.String()
		return q[1 : len(q)-1], nil
	}
	return s, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".variants-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
