package vectorstore

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Snapshot layout under the store directory:
//
//	CURRENT                      name of the live generation
//	snapshots/<gen>/embeddings.f32
//	snapshots/<gen>/metas.json
//	snapshots/<gen>/chunks.json
const (
	currentFile    = "CURRENT"
	snapshotsDir   = "snapshots"
	embeddingsFile = "embeddings.f32"
	metasFile      = "metas.json"
	chunksFile     = "chunks.json"

	matrixMagic   = "PRAG"
	matrixVersion = uint32(1)
)

// metaRecord is one entry of metas.json.
type metaRecord struct {
	DocID      string `json:"doc_id"`
	ChunkIndex int    `json:"chunk_index"`
	ID         string `json:"id"`
}

// snapshot is the decoded content of one generation.
type snapshot struct {
	dim      int
	vectors  [][]float32
	payloads []Payload
}

// matrixHeader precedes the row-major float32 data in embeddings.f32.
type matrixHeader struct {
	Magic   [4]byte
	Version uint32
	Rows    uint32
	Dim     uint32
}

func encodeMatrix(w io.Writer, dim int, vectors [][]float32) error {
	hdr := matrixHeader{Version: matrixVersion, Rows: uint32(len(vectors)), Dim: uint32(dim)}
	copy(hdr.Magic[:], matrixMagic)
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	for _, v := range vectors {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}

func decodeMatrix(r io.Reader) (int, [][]float32, error) {
	var hdr matrixHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return 0, nil, fmt.Errorf("reading header: %w", err)
	}
	if string(hdr.Magic[:]) != matrixMagic {
		return 0, nil, fmt.Errorf("bad magic %q", hdr.Magic[:])
	}
	if hdr.Version != matrixVersion {
		return 0, nil, fmt.Errorf("unsupported version %d", hdr.Version)
	}
	if hdr.Rows > 0 && hdr.Dim == 0 {
		return 0, nil, errors.New("zero dimension with rows present")
	}

	vectors := make([][]float32, hdr.Rows)
	for i := range vectors {
		v := make([]float32, hdr.Dim)
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return 0, nil, fmt.Errorf("reading row %d: %w", i, err)
		}
		vectors[i] = v
	}

	// Trailing bytes mean the file does not match its header.
	var extra [1]byte
	if n, _ := r.Read(extra[:]); n != 0 {
		return 0, nil, errors.New("trailing data after matrix")
	}
	return int(hdr.Dim), vectors, nil
}

// readSnapshot loads the live generation from dir. Any missing, unreadable or
// inconsistent artifact is reported as ErrNoIndex.
func readSnapshot(dir string) (*snapshot, error) {
	raw, err := os.ReadFile(filepath.Join(dir, currentFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoIndex, err)
	}
	gen := strings.TrimSpace(string(raw))
	if gen == "" || strings.ContainsAny(gen, `/\`) || gen == "." || gen == ".." {
		return nil, fmt.Errorf("%w: invalid generation %q", ErrNoIndex, gen)
	}
	genDir := filepath.Join(dir, snapshotsDir, gen)

	f, err := os.Open(filepath.Join(genDir, embeddingsFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoIndex, err)
	}
	dim, vectors, err := decodeMatrix(bufio.NewReader(f))
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoIndex, embeddingsFile, err)
	}

	var metas []metaRecord
	if err := readJSON(filepath.Join(genDir, metasFile), &metas); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoIndex, metasFile, err)
	}
	var texts []string
	if err := readJSON(filepath.Join(genDir, chunksFile), &texts); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoIndex, chunksFile, err)
	}

	if len(metas) != len(vectors) || len(texts) != len(vectors) {
		return nil, fmt.Errorf("%w: inconsistent snapshot: %d vectors, %d metas, %d chunks",
			ErrNoIndex, len(vectors), len(metas), len(texts))
	}

	payloads := make([]Payload, len(metas))
	for i, m := range metas {
		payloads[i] = Payload{ID: m.ID, DocID: m.DocID, ChunkIndex: m.ChunkIndex, Text: texts[i]}
	}
	return &snapshot{dim: dim, vectors: vectors, payloads: payloads}, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeSnapshot writes a new generation and makes it live by replacing the
// CURRENT pointer. Until the rename succeeds the previous generation stays
// visible; older generations are pruned afterwards.
func writeSnapshot(dir string, snap *snapshot) (err error) {
	gen := uuid.NewString()
	genDir := filepath.Join(dir, snapshotsDir, gen)
	if err := os.MkdirAll(genDir, 0o755); err != nil {
		return fmt.Errorf("creating generation dir: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(genDir)
		}
	}()

	var buf bytes.Buffer
	if err := encodeMatrix(&buf, snap.dim, snap.vectors); err != nil {
		return fmt.Errorf("encoding %s: %w", embeddingsFile, err)
	}
	if err := writeFileSync(filepath.Join(genDir, embeddingsFile), buf.Bytes()); err != nil {
		return err
	}

	metas := make([]metaRecord, len(snap.payloads))
	texts := make([]string, len(snap.payloads))
	for i, p := range snap.payloads {
		metas[i] = metaRecord{DocID: p.DocID, ChunkIndex: p.ChunkIndex, ID: p.ID}
		texts[i] = p.Text
	}
	if err := writeJSONSync(filepath.Join(genDir, metasFile), metas); err != nil {
		return err
	}
	if err := writeJSONSync(filepath.Join(genDir, chunksFile), texts); err != nil {
		return err
	}
	if err := syncDir(genDir); err != nil {
		return err
	}

	tmp := filepath.Join(dir, currentFile+".tmp-"+gen)
	if err := writeFileSync(tmp, []byte(gen+"\n")); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(dir, currentFile)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publishing snapshot: %w", err)
	}
	if err := syncDir(dir); err != nil {
		return err
	}

	pruneGenerations(dir, gen)
	return nil
}

// removeSnapshot deletes the pointer first so a crash mid-removal never
// exposes a half-deleted generation.
func removeSnapshot(dir string) error {
	if err := os.Remove(filepath.Join(dir, currentFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", currentFile, err)
	}
	if err := os.RemoveAll(filepath.Join(dir, snapshotsDir)); err != nil {
		return fmt.Errorf("removing snapshots: %w", err)
	}
	return syncDir(dir)
}

// pruneGenerations removes every generation except keep. Failures are
// ignored; stale generations are harmless and retried on the next write.
func pruneGenerations(dir, keep string) {
	entries, err := os.ReadDir(filepath.Join(dir, snapshotsDir))
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.Name() != keep {
			_ = os.RemoveAll(filepath.Join(dir, snapshotsDir, e.Name()))
		}
	}
}

func writeJSONSync(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	return writeFileSync(path, data)
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("syncing %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening dir for sync: %w", err)
	}
	defer d.Close()
	// Directory fsync is unsupported on some platforms; the rename is still
	// atomic there.
	_ = d.Sync()
	return nil
}
