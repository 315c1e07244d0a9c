package memory

import (
	"fmt"
	"sort"
)

// BlockID identifies a backing block across save-states.
type BlockID uint32

// Block is a chunk of host memory backing one or more RAM regions. Several
// regions, possibly in different address spaces, may share a block.
type Block struct {
	id   BlockID
	data []byte
}

// ID returns the block identifier.
func (b *Block) ID() BlockID { return b.id }

// Bytes returns the backing storage.
func (b *Block) Bytes() []byte { return b.data }

// Size returns the block size in bytes.
func (b *Block) Size() uint32 { return uint32(len(b.data)) }

// Blocks allocates backing blocks and keeps them addressable by ID so that
// save-states can restore sharing between regions.
type Blocks struct {
	next BlockID
	byID map[BlockID]*Block
}

// NewBlocks creates an empty block table.
func NewBlocks() *Blocks {
	return &Blocks{next: 1, byID: make(map[BlockID]*Block)}
}

// Alloc creates a zeroed block of size bytes.
func (t *Blocks) Alloc(size uint32) *Block {
	b := &Block{id: t.next, data: make([]byte, size)}
	t.byID[b.id] = b
	t.next++
	return b
}

// Get returns the block with the given id.
func (t *Blocks) Get(id BlockID) (*Block, bool) {
	b, ok := t.byID[id]
	return b, ok
}

// Free releases a block. Regions still mapping it keep the storage alive.
func (t *Blocks) Free(b *Block) {
	delete(t.byID, b.id)
}

// Len returns the number of live blocks.
func (t *Blocks) Len() int { return len(t.byID) }

// BlockState is the serialized form of a block.
type BlockState struct {
	ID   BlockID
	Data []byte
}

// BlocksState is the serialized form of the block table.
type BlocksState struct {
	Next   BlockID
	Blocks []BlockState
}

// Snapshot copies every live block, ordered by ID.
func (t *Blocks) Snapshot() BlocksState {
	ids := make([]BlockID, 0, len(t.byID))
	for id := range t.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	st := BlocksState{Next: t.next, Blocks: make([]BlockState, 0, len(ids))}
	for _, id := range ids {
		st.Blocks = append(st.Blocks, BlockState{ID: id, Data: append([]byte(nil), t.byID[id].data...)})
	}
	return st
}

// Restore replaces the table contents with a snapshot.
func (t *Blocks) Restore(st BlocksState) error {
	t.byID = make(map[BlockID]*Block, len(st.Blocks))
	t.next = st.Next
	for _, bs := range st.Blocks {
		if bs.ID >= st.Next {
			return fmt.Errorf("block %d newer than allocator state %d", bs.ID, st.Next)
		}
		t.byID[bs.ID] = &Block{id: bs.ID, data: append([]byte(nil), bs.Data...)}
	}
	return nil
}
