package database

// DocumentRecord stores the head of a document: the committed value (Staged=false) and
// at most one local draft (Staged=true).
type DocumentRecord struct {
	ID              string `gorm:"column:id;primaryKey;size:128;not null"`
	Staged          bool   `gorm:"column:staged;primaryKey;not null;default:false"`
	Revision        string `gorm:"column:rev;type:text;not null"`
	DocumentType    string `gorm:"column:document_type;size:128;not null"`
	Archived        bool   `gorm:"column:archived;not null;default:false"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
	DataJSON        string `gorm:"column:data_json;type:text;not null"`
	RefsJSON        string `gorm:"column:refs_json;type:text;not null"`
	Seq             int64  `gorm:"column:seq;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentRecord) TableName() string {
	return "documents"
}

// SnapshotRecord is one committed value in a document history.
type SnapshotRecord struct {
	ID              string `gorm:"column:id;primaryKey;size:128;not null"`
	Revision        string `gorm:"column:rev;primaryKey;size:1024;not null"`
	DocumentType    string `gorm:"column:document_type;size:128;not null"`
	Archived        bool   `gorm:"column:archived;not null;default:false"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
	DataJSON        string `gorm:"column:data_json;type:text;not null"`
	RefsJSON        string `gorm:"column:refs_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotRecord) TableName() string {
	return "document_snapshots"
}

// SettingRecord is one typed key-value entry.
type SettingRecord struct {
	Namespace        string `gorm:"column:namespace;primaryKey;size:64;not null"`
	Key              string `gorm:"column:setting_key;primaryKey;size:128;not null"`
	ValueJSON        string `gorm:"column:value_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SettingRecord) TableName() string {
	return "kvs"
}

type migrationRecord struct {
	Version          int    `gorm:"column:version;primaryKey;not null"`
	Name             string `gorm:"column:name;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}
