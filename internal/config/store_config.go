package config

// StoreConfig selects and configures the persisted session key-value store.
type StoreConfig interface {
	GetStoreDriver() string
	GetStoreFile() string
	GetStoreKey() string
	GetRedisAddr() string
	GetRedisPassword() string
	GetRedisDB() int
	GetRedisPrefix() string
	GetSQLDSN() string
	GetDynamoDBTable() string
	GetDynamoDBRegion() string
	GetDynamoDBEndpoint() string
}

type Store struct{}

var _ StoreConfig = Store{}

func (Store) GetStoreDriver() string {
	return GetEnv("PORTAL_STORE_DRIVER", "memory")
}

func (Store) GetStoreFile() string {
	return GetEnv("PORTAL_STORE_FILE", "./data/session.json")
}

// GetStoreKey is the passphrase sealing the file store. Empty leaves the file in plain JSON.
func (Store) GetStoreKey() string {
	return GetEnv("PORTAL_STORE_KEY", "")
}

func (Store) GetRedisAddr() string {
	return GetEnv("PORTAL_REDIS_ADDR", "localhost:6379")
}

func (Store) GetRedisPassword() string {
	return GetEnv("PORTAL_REDIS_PASSWORD", "")
}

func (Store) GetRedisDB() int {
	return GetInt("PORTAL_REDIS_DB", 0)
}

func (Store) GetRedisPrefix() string {
	return GetEnv("PORTAL_REDIS_PREFIX", "portal:")
}

func (Store) GetSQLDSN() string {
	return GetEnv("PORTAL_SQL_DSN", "./data/session.db")
}

func (Store) GetDynamoDBTable() string {
	return GetEnv("PORTAL_DYNAMODB_TABLE", "PortalSession")
}

func (Store) GetDynamoDBRegion() string {
	return GetEnv("PORTAL_DYNAMODB_REGION", "us-east-1")
}

func (Store) GetDynamoDBEndpoint() string {
	return GetEnv("PORTAL_DYNAMODB_ENDPOINT", "")
}
