package mutator

import (
	"os"

	"github.com/ocx/fabric/pkg/fileevent"
)

func metaFromInfo(info os.FileInfo) fileevent.FileMeta {
	return fileevent.FileMeta{Size: info.Size(), LastMTime: info.ModTime()}
}
