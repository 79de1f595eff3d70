package protocol

import (
	"bytes"
	"mime"
	"path"
	"path/filepath"

	"github.com/kfcemployee/fileserver/server/engine"
	"golang.org/x/sys/unix"
)

const defaultContentType = "application/octet-stream"

// resolve maps the request target under root and maps the file into the session.
// The joined path is the one stat'ed and the one opened.
func resolve(root string, s *engine.Session) (Code, string) {
	target := s.Req.URL.AsBuf(s)
	if i := bytes.IndexByte(target, '?'); i >= 0 {
		target = target[:i]
	}
	// target starts with '/', so Clean cannot climb above root
	clean := path.Clean(string(target))
	full := filepath.Join(root, filepath.FromSlash(clean))

	var st unix.Stat_t
	if err := unix.Stat(full, &st); err != nil {
		return NotFound, ""
	}
	if st.Mode&unix.S_IROTH == 0 {
		return Forbidden, ""
	}
	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		return BadRequest, ""
	}

	ctype := mime.TypeByExtension(path.Ext(clean))
	if ctype == "" {
		ctype = defaultContentType
	}
	if st.Size == 0 {
		return FileReady, ctype
	}

	fd, err := unix.Open(full, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		s.Log.Warn().Err(err).Str("path", full).Msg("open failed")
		return InternalError, ""
	}
	defer unix.Close(fd)

	m, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		s.Log.Warn().Err(err).Str("path", full).Msg("mmap failed")
		return InternalError, ""
	}
	s.SetMapping(m)
	return FileReady, ctype
}
