package catalog

import "time"

// TableMeta is the persisted description of one table.
type TableMeta struct {
	ID        uint32    `json:"id"`
	Name      string    `json:"name"`
	FileBase  string    `json:"file_base"`
	PageCount uint32    `json:"page_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// document is the on-disk shape of catalog.json.
type document struct {
	NextID      uint32       `json:"next_id"`
	WALInstance string       `json:"wal_instance,omitempty"`
	Tables      []*TableMeta `json:"tables"`
}
