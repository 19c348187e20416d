package database

// Table 集合/表名
type Table interface {
	GetTableName() string
}
