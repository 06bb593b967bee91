// Package objstore implements the "obj" backend: a network block backend
// that maps fixed-size block ranges onto S3 objects, grounded on the
// object-store-as-block-backend idiom of asch-bs3's s3 object proxy.
package objstore

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/ilyakaznacheev/cleanenv"

	"github.com/tcmur-go/tcmur/internal/backend"
)

// Subtype is this backend's registry key.
const Subtype = "obj"

// BlockSize is the fixed granularity of one object: every Read/Write is
// range-aligned to a whole number of blocks, and one block == one object.
const BlockSize = 1 << 20 // 1 MiB

// DefaultNumLBAs is the LBA count that the default size_gb=1 yields; open
// always computes NumLBAs from size_gb and does not read this constant.
const DefaultNumLBAs = 1024 // 1 GiB at BlockSize granularity

// keyFmt splits a block index into an s3-rate-limit-friendly key, the
// same low/high-half split used by asch-bs3's s3 object proxy.
const keyFmt = "%08x/%08x"

// subConfig is the handler-specific sub-option set, parsed from the
// config string remaining after devtable strips the leading "/obj"
// segment (e.g. "/bucket=mydisk;region=us-east-1;size_gb=4"; stray '/'
// around each option is trimmed).
type subConfig struct {
	Bucket    string `env:"OBJSTORE_BUCKET"`
	Remote    string `env:"OBJSTORE_REMOTE"`
	Region    string `env:"OBJSTORE_REGION" env-default:"us-east-1"`
	AccessKey string `env:"OBJSTORE_ACCESS_KEY"`
	SecretKey string `env:"OBJSTORE_SECRET_KEY"`
	SizeGB    int64  `env:"OBJSTORE_SIZE_GB" env-default:"1"`
}

// parseSubConfig parses a ';'-separated key=value config remainder,
// applying cleanenv's struct-tag defaults for any key left unset (the
// same technique the ambient config layer uses for its own env.Struct
// overlay, reused here at the per-backend granularity spec.md's config
// string grammar calls for).
func parseSubConfig(cfg string) (*subConfig, error) {
	sc := &subConfig{}
	if err := cleanenv.ReadEnv(sc); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}
	for _, kv := range strings.Split(cfg, ";") {
		kv = strings.TrimSpace(strings.Trim(kv, "/"))
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed option %q", kv)
		}
		k, v := parts[0], parts[1]
		switch k {
		case "bucket":
			sc.Bucket = v
		case "remote":
			sc.Remote = v
		case "region":
			sc.Region = v
		case "access_key":
			sc.AccessKey = v
		case "secret_key":
			sc.SecretKey = v
		case "size_gb":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad size_gb %q: %w", v, err)
			}
			sc.SizeGB = n
		default:
			return nil, fmt.Errorf("unknown objstore option %q", k)
		}
	}
	if sc.Bucket == "" {
		return nil, fmt.Errorf("objstore config requires bucket=<name>")
	}
	return sc, nil
}

type state struct {
	mu         sync.Mutex
	client     *s3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	bucket     string
}

// Descriptor returns the backend.Descriptor for the obj backend.
// NrThreads is 1: S3 round trips are network calls, never completed
// inline from the caller's stack.
func Descriptor() *backend.Descriptor {
	return &backend.Descriptor{
		Subtype:     Subtype,
		DisplayName: "S3 object-per-block-range store",
		CheckConfig: checkConfig,
		Open:        open,
		Close:       close_,
		Read:        read,
		Write:       write,
		Flush:       flush,
		NrThreads:   1,
	}
}

func checkConfig(cfg string) (string, error) {
	if _, err := parseSubConfig(cfg); err != nil {
		return err.Error(), err
	}
	return "", nil
}

func open(dev *backend.Device, reopen bool) error {
	sc, err := parseSubConfig(dev.CfgString)
	if err != nil {
		return err
	}

	cfg := &aws.Config{
		Region:           aws.String(sc.Region),
		Credentials:      credentials.NewStaticCredentials(sc.AccessKey, sc.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	}
	if sc.Remote != "" {
		cfg.Endpoint = aws.String(sc.Remote)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return err
	}

	s := &state{
		client:     s3.New(sess),
		uploader:   s3manager.NewUploader(sess),
		downloader: s3manager.NewDownloader(sess),
		bucket:     sc.Bucket,
	}
	if err := s.ensureBucket(); err != nil {
		return err
	}

	dev.BlockSize = BlockSize
	dev.NumLBAs = uint64(sc.SizeGB) * (1024 * 1024 * 1024 / BlockSize)
	dev.Private = s
	return nil
}

func (s *state) ensureBucket() error {
	_, err := s.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	if _, err := s.client.CreateBucket(&s3.CreateBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return err
	}
	return s.client.WaitUntilBucketExists(&s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
}

func close_(dev *backend.Device) {
	dev.Private = nil
}

func objectKey(blockIdx uint64) string {
	left := (blockIdx >> 32) & 0xffffffff
	right := blockIdx & 0xffffffff
	return fmt.Sprintf(keyFmt, right, left)
}

// blockRange translates a byte range into the single containing block's
// index, failing if the request crosses a block boundary (one object per
// block keeps Read/Write atomic per object without a multi-get merge).
func blockRange(nbyte, seekpos uint64) (blockIdx uint64, within uint64, ok bool) {
	blockIdx = seekpos / BlockSize
	within = seekpos % BlockSize
	return blockIdx, within, within+nbyte <= BlockSize
}

// done reports sts to cmd and returns it, matching the NrThreads>0
// contract: the backend, not the bridge, completes the command.
func done(cmd *backend.Command, sts backend.Status) backend.Status {
	cmd.Done(sts)
	return sts
}

func read(dev *backend.Device, cmd *backend.Command, nbyte, seekpos uint64) backend.Status {
	s := dev.Private.(*state)
	blockIdx, within, ok := blockRange(nbyte, seekpos)
	if !ok {
		return done(cmd, backend.StatusRange)
	}

	buf := aws.NewWriteAtBuffer(make([]byte, nbyte))
	rng := fmt.Sprintf("bytes=%d-%d", within, within+nbyte-1)
	_, err := s.downloader.Download(buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(blockIdx)),
		Range:  &rng,
	})
	if err != nil {
		// A missing object reads as zeros: a block never written is an
		// all-zero block, matching a freshly provisioned volume.
		for i := range cmd.IOVec[:nbyte] {
			cmd.IOVec[i] = 0
		}
		return done(cmd, backend.StatusOK)
	}
	copy(cmd.IOVec, buf.Bytes())
	return done(cmd, backend.StatusOK)
}

func write(dev *backend.Device, cmd *backend.Command, nbyte, seekpos uint64) backend.Status {
	s := dev.Private.(*state)
	blockIdx, within, ok := blockRange(nbyte, seekpos)
	if !ok {
		return done(cmd, backend.StatusRange)
	}
	if within != 0 || nbyte != BlockSize {
		// Partial-block writes require a read-modify-write since each
		// object holds one whole block.
		full := make([]byte, BlockSize)
		readFull(s, blockIdx, full)
		copy(full[within:], cmd.IOVec[:nbyte])
		return done(cmd, uploadBlock(s, blockIdx, full))
	}
	return done(cmd, uploadBlock(s, blockIdx, cmd.IOVec[:nbyte]))
}

func readFull(s *state, blockIdx uint64, out []byte) {
	buf := aws.NewWriteAtBuffer(out[:0])
	s.downloader.Download(buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(blockIdx)),
	})
	copy(out, buf.Bytes())
}

func uploadBlock(s *state, blockIdx uint64, data []byte) backend.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(blockIdx)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return backend.StatusWRErr
	}
	return backend.StatusOK
}

func flush(dev *backend.Device, cmd *backend.Command) backend.Status {
	return done(cmd, backend.StatusOK)
}
