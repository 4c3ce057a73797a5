package dav

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"os"
	"path"

	"golang.org/x/net/webdav"

	"davmirror/pkg/meta"
	"davmirror/pkg/mirror"
)

// file is an open handle on a resolved physical path. Directory
// listings go back through the repository so clients see the fused
// view, and dead properties are served from the metadata store.
type file struct {
	f       *os.File
	d       *Dir
	ctx     context.Context
	logical string

	dirInfos []os.FileInfo // fused listing, loaded on first Readdir
	dirPos   int
}

var (
	_ webdav.File            = (*file)(nil)
	_ webdav.DeadPropsHolder = (*file)(nil)
)

func (f *file) Read(p []byte) (int, error)                   { return f.f.Read(p) }
func (f *file) Write(p []byte) (int, error)                  { return f.f.Write(p) }
func (f *file) Seek(offset int64, whence int) (int64, error) { return f.f.Seek(offset, whence) }
func (f *file) Close() error                                 { return f.f.Close() }

func (f *file) Stat() (os.FileInfo, error) {
	fi, err := f.f.Stat()
	if err != nil {
		return nil, err
	}
	return fileInfo{FileInfo: fi, name: path.Base(f.logical)}, nil
}

// Readdir lists the fused children of the directory. The listing is
// computed once per handle; count partitions it the way os.File does.
func (f *file) Readdir(count int) ([]os.FileInfo, error) {
	if f.dirInfos == nil {
		names, err := f.d.repo.ReadDir(f.ctx, f.logical)
		if err != nil {
			return nil, err
		}
		infos := make([]os.FileInfo, 0, len(names))
		for _, name := range names {
			child, err := mirror.Join("/", f.logical, name)
			if err != nil {
				return nil, err
			}
			fi, err := f.d.Stat(f.ctx, child)
			if err != nil {
				// The entry vanished between the listing and
				// the stat; skip it.
				continue
			}
			infos = append(infos, fi)
		}
		f.dirInfos = infos
	}

	if count <= 0 {
		infos := f.dirInfos[f.dirPos:]
		f.dirPos = len(f.dirInfos)
		return infos, nil
	}
	if f.dirPos >= len(f.dirInfos) {
		return nil, io.EOF
	}
	end := f.dirPos + count
	if end > len(f.dirInfos) {
		end = len(f.dirInfos)
	}
	infos := f.dirInfos[f.dirPos:end]
	f.dirPos = end
	return infos, nil
}

// DeadProps returns the stored dead properties for this resource.
func (f *file) DeadProps() (map[xml.Name]webdav.Property, error) {
	props, err := f.d.meta.Props(f.ctx, f.logical)
	if err != nil {
		return nil, err
	}
	out := make(map[xml.Name]webdav.Property, len(props))
	for _, p := range props {
		name := xml.Name{Space: p.Space, Local: p.Local}
		out[name] = webdav.Property{
			XMLName:  name,
			InnerXML: p.InnerXML,
		}
	}
	return out, nil
}

// Patch applies PROPPATCH sets and removes against the metadata store.
func (f *file) Patch(patches []webdav.Proppatch) ([]webdav.Propstat, error) {
	stat := webdav.Propstat{Status: http.StatusOK}
	for _, patch := range patches {
		for _, prop := range patch.Props {
			if patch.Remove {
				err := f.d.meta.RemoveProp(f.ctx, f.logical, prop.XMLName.Space, prop.XMLName.Local)
				if err != nil {
					return nil, err
				}
			} else {
				err := f.d.meta.SetProp(f.ctx, f.logical, meta.Property{
					Space:    prop.XMLName.Space,
					Local:    prop.XMLName.Local,
					InnerXML: prop.InnerXML,
				})
				if err != nil {
					return nil, err
				}
			}
			stat.Props = append(stat.Props, webdav.Property{XMLName: prop.XMLName})
		}
	}
	return []webdav.Propstat{stat}, nil
}
