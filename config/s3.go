package config

// MirrorType selects where output artifacts are replicated.
type MirrorType string

const (
	MirrorNone  MirrorType = "none"
	MirrorS3    MirrorType = "s3"
	MirrorMinio MirrorType = "minio"
)

type MirrorConfig struct {
	Type  MirrorType  `yaml:"type" validate:"oneof=none s3 minio"`
	S3    S3Config    `yaml:"s3"`
	Minio MinioConfig `yaml:"minio"`
}

type S3Config struct {
	BucketName string `yaml:"bucket"`
	Region     string `yaml:"region"`
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
}
