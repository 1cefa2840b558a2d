package config

type MinioConfig struct {
	AccessKey  string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey  string `yaml:"secret_key" mapstructure:"secret_key"`
	Endpoint   string `yaml:"endpoint" mapstructure:"endpoint"`
	UseSSL     bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
	Region     string `yaml:"region" mapstructure:"region"`
	BucketName string `yaml:"bucket_name" mapstructure:"bucket_name"`
}

func (c MinioConfig) validate() error {
	if c.Endpoint == "" {
		return errorf("storage.minio.endpoint is required")
	}
	if c.BucketName == "" {
		return errorf("storage.minio.bucket_name is required")
	}
	return nil
}
