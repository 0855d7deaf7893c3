package ingest

import (
	"fmt"

	"github.com/google/uuid"

	"regulatory-rag/internal/models"
)

const (
	IDSequential    = "sequential"
	IDDeterministic = "deterministic"
)

// chunkNamespace seeds name-based ids so they are stable across machines.
var chunkNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("regulatory-rag/chunks"))

// run is the state of a single ingestion run. It owns the id counter; only
// the goroutine consuming prepared documents touches it.
type run struct {
	strategy string
	prefix   string
	next     int
}

func newRun(strategy, namespace string) *run {
	prefix := models.IDPrefix
	if namespace != "" {
		prefix = namespace + "-" + models.IDPrefix
	}
	return &run{strategy: strategy, prefix: prefix}
}

// assignID returns the id of c. Sequential ids increase by one per call;
// deterministic ids depend only on where the chunk sits in its document.
func (r *run) assignID(c models.Chunk, sectionOrdinal int) string {
	if r.strategy == IDDeterministic {
		return DeterministicID(c.DocumentName, sectionOrdinal, c.SectionNumber, c.SubChunkID)
	}
	id := fmt.Sprintf("%s%d", r.prefix, r.next)
	r.next++
	return id
}

// DeterministicID derives a UUIDv5 from a chunk's position. The section ordinal
// keeps repeated "Unknown" sections of one document apart.
func DeterministicID(document string, sectionOrdinal int, sectionNumber string, subChunkID int) string {
	name := fmt.Sprintf("%s|%d|%s|%d", document, sectionOrdinal, sectionNumber, subChunkID)
	return uuid.NewSHA1(chunkNamespace, []byte(name)).String()
}
