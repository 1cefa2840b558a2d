package config

// S3Config configures the s3 blob backend. An empty Endpoint uses AWS;
// set it for S3-compatible services.
type S3Config struct {
	BucketName string `yaml:"bucket_name" mapstructure:"bucket_name"`
	Region     string `yaml:"region" mapstructure:"region"`
	Endpoint   string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey  string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey  string `yaml:"secret_key" mapstructure:"secret_key"`
}

func (c S3Config) validate() error {
	if c.BucketName == "" {
		return errorf("storage.s3.bucket_name is required")
	}
	if c.Region == "" {
		return errorf("storage.s3.region is required")
	}
	return nil
}
