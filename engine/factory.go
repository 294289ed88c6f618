package engine

import (
	"fmt"

	"go.uber.org/zap"
)

// route is a (source kind, destination kind) pair.
type route struct {
	source Kind
	dest   Kind
}

type strategy struct {
	mode      sinkMode
	newSource func(Location) (chunkSource, error)
	// newDest is nil for verification jobs.
	newDest func(loc Location, force bool) (destination, error)
}

var (
	toBlock  = strategy{mode: sinkBuffered, newDest: newBlockDestination}
	toPage   = strategy{mode: sinkBuffered, newDest: newPageDestination}
	toAppend = strategy{mode: sinkBuffered, newDest: newAppendDestination}
	toStream = strategy{mode: sinkDirect, newDest: newStreamDestination}
	toNone   = strategy{mode: sinkDigest}
)

func from(newSource func(Location) (chunkSource, error), s strategy) strategy {
	s.newSource = newSource
	return s
}

// routes lists every supported transfer. Local sources only go to object
// stores or to verification; local-to-local copies are not an engine concern.
var routes = map[route]strategy{
	{KindBlockObject, KindBlockObject}:   from(newObjectSource, toBlock),
	{KindBlockObject, KindPageObject}:    from(newObjectSource, toPage),
	{KindBlockObject, KindAppendObject}:  from(newObjectSource, toAppend),
	{KindBlockObject, KindLocalFile}:     from(newObjectSource, toStream),
	{KindBlockObject, KindLocalStream}:   from(newObjectSource, toStream),
	{KindBlockObject, KindMemoryStream}:  from(newObjectSource, toStream),
	{KindBlockObject, KindNone}:          from(newObjectSource, toNone),
	{KindPageObject, KindBlockObject}:    from(newObjectSource, toBlock),
	{KindPageObject, KindPageObject}:     from(newObjectSource, toPage),
	{KindPageObject, KindAppendObject}:   from(newObjectSource, toAppend),
	{KindPageObject, KindLocalFile}:      from(newObjectSource, toStream),
	{KindPageObject, KindLocalStream}:    from(newObjectSource, toStream),
	{KindPageObject, KindMemoryStream}:   from(newObjectSource, toStream),
	{KindPageObject, KindNone}:           from(newObjectSource, toNone),
	{KindAppendObject, KindBlockObject}:  from(newObjectSource, toBlock),
	{KindAppendObject, KindPageObject}:   from(newObjectSource, toPage),
	{KindAppendObject, KindAppendObject}: from(newObjectSource, toAppend),
	{KindAppendObject, KindLocalFile}:    from(newObjectSource, toStream),
	{KindAppendObject, KindLocalStream}:  from(newObjectSource, toStream),
	{KindAppendObject, KindMemoryStream}: from(newObjectSource, toStream),
	{KindAppendObject, KindNone}:         from(newObjectSource, toNone),
	{KindLocalFile, KindBlockObject}:     from(newFileSource, toBlock),
	{KindLocalFile, KindPageObject}:      from(newFileSource, toPage),
	{KindLocalFile, KindAppendObject}:    from(newFileSource, toAppend),
	{KindLocalFile, KindNone}:            from(newFileSource, toNone),
	{KindLocalStream, KindBlockObject}:   from(newStreamSource, toBlock),
	{KindLocalStream, KindPageObject}:    from(newStreamSource, toPage),
	{KindLocalStream, KindAppendObject}:  from(newStreamSource, toAppend),
	{KindLocalStream, KindNone}:          from(newStreamSource, toNone),
	{KindMemoryStream, KindBlockObject}:  from(newStreamSource, toBlock),
	{KindMemoryStream, KindNone}:         from(newStreamSource, toNone),
}

// newStrategy builds the reader and, unless the job only verifies its
// source, the writer for job.
func newStrategy(job *TransferJob, force bool, log *zap.Logger) (Reader, Writer, error) {
	s, ok := routes[route{job.Source.Kind, job.Destination.Kind}]
	if !ok {
		return nil, nil, fmt.Errorf("%s to %s: %w", job.Source.Kind, job.Destination.Kind, ErrUnsupportedKind)
	}

	src, err := s.newSource(job.Source)
	if err != nil {
		return nil, nil, err
	}
	reader := newRangeReader(src, s.mode, job.Checkpoint, log.Named("reader"))

	if s.newDest == nil {
		return reader, nil, nil
	}
	dest, err := s.newDest(job.Destination, force)
	if err != nil {
		return nil, nil, err
	}
	return reader, newChunkWriter(dest, log.Named("writer")), nil
}
