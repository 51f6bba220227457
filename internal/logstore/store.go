package logstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"github.com/valyala/fastjson"
)

// Ext is the only extension the store creates or lists.
const Ext = ".json"

// stagingSuffix marks files being pulled from a device. They never match Ext.
const stagingSuffix = ".part"

// Store is a flat directory of JSON log files addressed by filename.
// Records are only ever created; the store never rewrites or removes them.
type Store struct {
	fs     afero.Fs
	dir    string
	parser fastjson.ParserPool
}

// Open creates dir if needed and returns a store backed by the OS filesystem.
func Open(dir string) (*Store, error) {
	return OpenFs(afero.NewOsFs(), dir)
}

// OpenFs is like Open but uses the given filesystem.
func OpenFs(fsys afero.Fs, dir string) (*Store, error) {
	if err := fsys.MkdirAll(dir, 0755); err != nil {
		return nil, &StorageError{Op: "mkdir", Name: dir, Err: err}
	}
	return &Store{fs: fsys, dir: dir}, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string {
	return s.dir
}

// Fs returns the filesystem the store writes to.
func (s *Store) Fs() afero.Fs {
	return s.fs
}

// Path returns the location of filename inside the store.
func (s *Store) Path(filename string) string {
	return filepath.Join(s.dir, filename)
}

// ValidName reports whether filename may be stored as a record.
func ValidName(filename string) error {
	switch {
	case filename == "":
		return fmt.Errorf("%w: empty filename", ErrInvalidName)
	case !strings.HasSuffix(filename, Ext) || filename == Ext:
		return fmt.Errorf("%w: %q must end in %s", ErrInvalidName, filename, Ext)
	case strings.ContainsAny(filename, `/\`) || strings.ContainsRune(filename, 0):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, filename)
	case strings.HasPrefix(filename, "."):
		return fmt.Errorf("%w: %q is a hidden file", ErrInvalidName, filename)
	}
	return nil
}

// Save writes content under filename, or under base_N.ext for the smallest
// free N >= 1 if filename is taken. It returns the name actually used.
func (s *Store) Save(filename string, content []byte) (string, error) {
	if err := ValidName(filename); err != nil {
		return "", err
	}

	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	ext := filepath.Ext(filename)

	name := filename
	for n := 1; ; n++ {
		f, err := s.fs.OpenFile(s.Path(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			if err := writeAndClose(f, content); err != nil {
				s.fs.Remove(s.Path(name))
				return "", &StorageError{Op: "write", Name: name, Err: err}
			}
			return name, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", &StorageError{Op: "create", Name: name, Err: err}
		}
		name = fmt.Sprintf("%s_%d%s", base, n, ext)
	}
}

func writeAndClose(f afero.File, content []byte) error {
	if _, err := f.Write(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Has reports whether a record named filename exists.
func (s *Store) Has(filename string) (bool, error) {
	ok, err := afero.Exists(s.fs, s.Path(filename))
	if err != nil {
		return false, &StorageError{Op: "stat", Name: filename, Err: err}
	}
	return ok, nil
}

// Stage returns a hidden path a device pull can write filename to before
// Commit makes it visible.
func (s *Store) Stage(filename string) (string, error) {
	if err := ValidName(filename); err != nil {
		return "", err
	}
	return s.Path(stagingName(filename)), nil
}

// Commit moves a staged pull into place under filename. It never replaces an
// existing record: if filename appeared since staging, the staged copy is
// dropped and ErrExists is returned.
func (s *Store) Commit(filename string) error {
	staged := s.Path(stagingName(filename))

	// On the OS filesystem a hard link claims the name atomically, like
	// O_EXCL does for uploads.
	if _, ok := s.fs.(*afero.OsFs); ok {
		err := os.Link(staged, s.Path(filename))
		switch {
		case err == nil:
			s.fs.Remove(staged)
			return nil
		case errors.Is(err, fs.ErrExist):
			s.fs.Remove(staged)
			return fmt.Errorf("%w: %s", ErrExists, filename)
		}
		// Hard links unsupported on this filesystem; fall back to rename.
	}

	exists, err := s.Has(filename)
	if err != nil {
		return err
	}
	if exists {
		s.fs.Remove(staged)
		return fmt.Errorf("%w: %s", ErrExists, filename)
	}
	if err := s.fs.Rename(staged, s.Path(filename)); err != nil {
		s.fs.Remove(staged)
		return &StorageError{Op: "rename", Name: filename, Err: err}
	}
	return nil
}

// Discard removes any staged copy of filename.
// A staging file that cannot be removed is left behind; List never shows it.
func (s *Store) Discard(filename string) {
	s.fs.Remove(s.Path(stagingName(filename)))
}

func stagingName(filename string) string {
	return "." + filename + stagingSuffix
}

// List returns every record, most recently modified first. A file that
// cannot be read or parsed is still listed with Err set; only a failure to
// read the directory itself fails the call.
func (s *Store) List() ([]Record, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, &StorageError{Op: "readdir", Name: s.dir, Err: err}
	}

	files := make([]fs.FileInfo, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), Ext) || strings.HasPrefix(info.Name(), ".") {
			continue
		}
		files = append(files, info)
	}

	sort.SliceStable(files, func(i, j int) bool {
		ti, tj := files[i].ModTime(), files[j].ModTime()
		if ti.Equal(tj) {
			return files[i].Name() < files[j].Name()
		}
		return ti.After(tj)
	})

	records := make([]Record, 0, len(files))
	for _, info := range files {
		records = append(records, s.load(info))
	}
	return records, nil
}

func (s *Store) load(info fs.FileInfo) Record {
	rec := Record{
		Filename: info.Name(),
		ModTime:  info.ModTime(),
	}

	data, err := afero.ReadFile(s.fs, s.Path(info.Name()))
	if err != nil {
		rec.Err = err
		return rec
	}

	p := s.parser.Get()
	defer s.parser.Put(p)

	v, err := p.ParseBytes(data)
	if err != nil {
		rec.Err = &ParseError{Name: info.Name(), Err: err}
		return rec
	}
	// MarshalTo returns a compact copy, so v can go back to the pool.
	content := v.MarshalTo(nil)
	// fastjson accepts numbers such as 1.2.3 or NaN that encoding/json rejects.
	if !json.Valid(content) {
		rec.Err = &ParseError{Name: info.Name(), Err: errors.New("not strict JSON")}
		return rec
	}
	rec.Content = content
	return rec
}
