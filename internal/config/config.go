// Package config loads, defaults and validates the pipeline configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/andresmejia3/mugfer/internal/event"
)

var log = event.Log

// ErrUnknownVariant is returned when a variant name is not registered.
var ErrUnknownVariant = errors.New("unknown model variant")

// Config holds every knob of a run. Field tags drive YAML loading, defaults and validation.
type Config struct {
	Variant     string `yaml:"variant" default:"vgg-sift-lstm" validate:"required"`
	DatasetPath string `yaml:"dataset_path" default:"data/subjects" validate:"required"`
	ModelsPath  string `yaml:"models_path" default:"models" validate:"required"`
	CachePath   string `yaml:"cache_path" default:"cache" validate:"required"`
	ReportPath  string `yaml:"report_path" default:"reports" validate:"required"`
	DB          string `yaml:"db" default:"results.db"`
	LogLevel    string `yaml:"log_level" default:"info" validate:"oneof=trace debug info warn warning error"`
	Workers     int    `yaml:"workers" default:"1" validate:"min=1,max=64"`
	Seed        int64  `yaml:"seed" default:"1337"`

	Sampler   SamplerConfig  `yaml:"sampler"`
	Crop      CropConfig     `yaml:"crop"`
	Backbone  BackboneConfig `yaml:"backbone"`
	SIFT      SIFTConfig     `yaml:"sift"`
	Landmarks LandmarkConfig `yaml:"landmarks"`
	Model     ModelConfig    `yaml:"model"`
	Training  TrainingConfig `yaml:"training"`
	Artifacts ArtifactConfig `yaml:"artifacts"`
	Report    ReportConfig   `yaml:"report"`
}

// SamplerConfig controls frame selection.
type SamplerConfig struct {
	Frames    int    `yaml:"frames" default:"5" validate:"min=1,max=64"`
	FrameSize int    `yaml:"frame_size" default:"224" validate:"min=16,max=1024"`
	Short     string `yaml:"short" default:"pad" validate:"oneof=pad exclude"`
}

// CropConfig controls the optional dlib face crop before resizing.
type CropConfig struct {
	Enabled bool    `yaml:"enabled"`
	Padding float64 `yaml:"padding" default:"0.2" validate:"min=0,max=2"`
}

// BackboneConfig selects the pretrained network.
type BackboneConfig struct {
	Runtime string `yaml:"runtime" default:"opencv" validate:"oneof=opencv tflite"`
	Threads int    `yaml:"threads" default:"4" validate:"min=1,max=64"`
}

// SIFTConfig controls landmark descriptors.
type SIFTConfig struct {
	KeypointSize  float64 `yaml:"keypoint_size" default:"16" validate:"gt=0"`
	DescriptorDim int     `yaml:"descriptor_dim" default:"128" validate:"eq=128"`
	MissingFace   string  `yaml:"missing_face" default:"zero" validate:"oneof=zero skip exclude"`
}

// LandmarkConfig configures the landmark engine subprocess.
type LandmarkConfig struct {
	Python    string `yaml:"python" default:"python3" validate:"required"`
	Script    string `yaml:"script" default:"python/landmarks.py" validate:"required"`
	Predictor string `yaml:"predictor" default:"shape_predictor_68_face_landmarks.dat" validate:"required"`
	Timeout   string `yaml:"timeout" default:"30s"`
}

// ModelConfig fixes the classifier architecture.
type ModelConfig struct {
	LSTMUnits   int     `yaml:"lstm_units" default:"32" validate:"min=1"`
	HiddenUnits int     `yaml:"hidden_units" default:"16" validate:"min=1"`
	Dropout     float64 `yaml:"dropout" default:"0.5" validate:"min=0,lt=1"`
}

// TrainingConfig controls cross-validation.
type TrainingConfig struct {
	Folds        int     `yaml:"folds" default:"5" validate:"min=2"`
	Partition    string  `yaml:"partition" default:"subject" validate:"oneof=subject stratified"`
	Epochs       int     `yaml:"epochs" default:"300" validate:"min=1"`
	BatchSize    int     `yaml:"batch_size" default:"32" validate:"min=1"`
	LearningRate float64 `yaml:"learning_rate" default:"0.01" validate:"gt=0"`
	Patience     int     `yaml:"patience" default:"50" validate:"min=0"`
	SaveBest     bool    `yaml:"save_best"`
	Retries      int     `yaml:"retries" default:"2" validate:"min=0"`
	EvalFold     int     `yaml:"eval_fold" default:"1" validate:"min=0"`
}

// ArtifactConfig selects where trained weights are persisted.
type ArtifactConfig struct {
	Backend  string `yaml:"backend" default:"disk" validate:"oneof=disk s3"`
	Path     string `yaml:"path" default:"models/trained"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix" default:"mugfer"`
}

// ReportConfig controls latency sampling and plots.
type ReportConfig struct {
	LatencySamples int  `yaml:"latency_samples" default:"10" validate:"min=1"`
	Plots          bool `yaml:"plots" default:"true"`
}

// Variant describes one model variant.
type Variant struct {
	Name     string
	Backbone string
	SIFT     bool
}

// Variants lists the supported model variants.
var Variants = []Variant{
	{Name: "vgg-lstm", Backbone: "vgg16", SIFT: false},
	{Name: "vgg-sift-lstm", Backbone: "vgg16", SIFT: true},
	{Name: "densenet-lstm", Backbone: "densenet121", SIFT: false},
	{Name: "densenet-sift-lstm", Backbone: "densenet121", SIFT: true},
}

// FindVariant returns the variant with the given name.
func FindVariant(name string) (Variant, error) {
	for _, v := range Variants {
		if v.Name == name {
			return v, nil
		}
	}
	return Variant{}, fmt.Errorf("%w: %q", ErrUnknownVariant, name)
}

// New returns a config with all defaults applied.
func New() *Config {
	c := &Config{}
	if err := defaults.Set(c); err != nil {
		// Defaults are static tags, a failure is a programming error.
		panic(err)
	}
	return c
}

// Load reads an optional .env file, an optional YAML file and MUGFER_* environment overrides.
func Load(fileName string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debugf("config: .env not loaded (%s)", err)
	}

	c := New()

	if fileName != "" {
		data, err := os.ReadFile(fileName)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", fileName, err)
		}
		// Fields absent from the file keep their defaults.
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", fileName, err)
		}
	}

	c.applyEnv()

	return c, nil
}

func (c *Config) applyEnv() {
	readEnvString("MUGFER_VARIANT", &c.Variant)
	readEnvString("MUGFER_DATASET", &c.DatasetPath)
	readEnvString("MUGFER_MODELS", &c.ModelsPath)
	readEnvString("MUGFER_CACHE", &c.CachePath)
	readEnvString("MUGFER_REPORTS", &c.ReportPath)
	readEnvString("MUGFER_LOG_LEVEL", &c.LogLevel)
	readEnvString("MUGFER_RUNTIME", &c.Backbone.Runtime)
	readEnvInt("MUGFER_WORKERS", &c.Workers)
	readEnvInt("MUGFER_FOLDS", &c.Training.Folds)
	readEnvInt("MUGFER_EPOCHS", &c.Training.Epochs)
	readEnvString("MUGFER_ARTIFACT_BACKEND", &c.Artifacts.Backend)
	readEnvString("MUGFER_S3_BUCKET", &c.Artifacts.Bucket)
	readEnvString("MUGFER_S3_REGION", &c.Artifacts.Region)
	readEnvString("MUGFER_S3_ENDPOINT", &c.Artifacts.Endpoint)
	readEnvBool("MUGFER_CROP", &c.Crop.Enabled)
}

// Validate checks the struct tags and cross-field constraints.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.VariantInfo(); err != nil {
		return err
	}
	if c.Training.EvalFold >= c.Training.Folds {
		return fmt.Errorf("config: eval_fold %d out of range for %d folds", c.Training.EvalFold, c.Training.Folds)
	}
	if c.Artifacts.Backend == "s3" && c.Artifacts.Bucket == "" {
		return errors.New("config: s3 artifact backend requires a bucket")
	}
	return nil
}

// VariantInfo returns the configured variant.
func (c *Config) VariantInfo() (Variant, error) {
	return FindVariant(c.Variant)
}

// BackboneModelPath returns the directory holding the weights of a backbone.
func (c *Config) BackboneModelPath(backbone string) string {
	return filepath.Join(c.ModelsPath, backbone)
}

// LandmarkPredictorPath returns the dlib shape predictor file.
func (c *Config) LandmarkPredictorPath() string {
	if filepath.IsAbs(c.Landmarks.Predictor) {
		return c.Landmarks.Predictor
	}
	return filepath.Join(c.ModelsPath, "dlib", c.Landmarks.Predictor)
}

// FaceModelsPath returns the directory with the go-face (dlib) detector models.
func (c *Config) FaceModelsPath() string {
	return filepath.Join(c.ModelsPath, "dlib")
}

// FeatureCachePath returns the cache file for a given extraction fingerprint.
func (c *Config) FeatureCachePath(fingerprint string) string {
	return filepath.Join(c.CachePath, fmt.Sprintf("features-%s.zst", fingerprint))
}

func readEnvString(name string, value *string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	*value = v
}

func readEnvBool(name string, value *bool) {
	v := strings.ToLower(os.Getenv(name))
	if v == "true" || v == "1" || v == "yes" || v == "on" {
		*value = true
	} else if v == "false" || v == "0" || v == "no" || v == "off" {
		*value = false
	}
}

func readEnvInt(name string, value *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*value = i
}
