package kvstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/jrsteele09/school-portal/internal/config"
	apperrors "github.com/jrsteele09/school-portal/internal/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Driver identifiers accepted by PORTAL_STORE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverRedis    = "redis"
	DriverSQL      = "sql"
	DriverDynamoDB = "dynamodb"
)

// New builds the repo selected by the store configuration.
func New(ctx context.Context, cfg config.StoreConfig) (Repo, error) {
	driver := strings.ToLower(cfg.GetStoreDriver())
	if driver == "" {
		driver = DriverMemory
	}

	switch driver {
	case DriverMemory:
		return NewInMemoryRepo(), nil
	case DriverFile:
		return NewFileRepo(cfg.GetStoreFile(), cfg.GetStoreKey())
	case DriverRedis:
		return NewRedisRepo(ctx, RedisOptions{
			Addr:     cfg.GetRedisAddr(),
			Password: cfg.GetRedisPassword(),
			DB:       cfg.GetRedisDB(),
			Prefix:   cfg.GetRedisPrefix(),
		})
	case DriverSQL:
		return openSQL(cfg.GetSQLDSN())
	case DriverDynamoDB:
		client, err := newDynamoDBClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewDynamoDBRepo(client, cfg.GetDynamoDBTable()), nil
	default:
		return nil, apperrors.Wrapf(apperrors.ErrUnsupported, "store driver %q", driver)
	}
}

func openSQL(dsn string) (*SQLRepo, error) {
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o700); err != nil {
			return nil, fmt.Errorf("[kvstore] create sql dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("[kvstore] open sql %s: %w", dsn, err)
	}
	return NewSQLRepo(db)
}

func newDynamoDBClient(ctx context.Context, cfg config.StoreConfig) (*dynamodb.Client, error) {
	region := cfg.GetDynamoDBRegion()
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}

	if endpoint := cfg.GetDynamoDBEndpoint(); endpoint != "" {
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:           endpoint,
					SigningRegion: region,
				}, nil
			})))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("[kvstore] load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg), nil
}
