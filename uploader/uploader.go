// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

// Package uploader ships detected samples and their threat reports to an S3
// endpoint for later inspection.
package uploader

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"

	"github.com/minio/minio-go"
	log "github.com/sirupsen/logrus"

	"github.com/vigil-av/vigil/reporter"
)

// S3Credentials represents a set of data required to access an S3 resource.
type S3Credentials struct {
	Endpoint        string
	AccessKey       string
	SecretAccessKey string
	BucketName      string
	Region          string
}

// UploadJob contains all data required to locate a file to be uploaded and
// its metadata.
type UploadJob struct {
	event          reporter.Event
	localFilePath  string
	localEventPath string
}

// Uploader is a component that facilitates the queued upload of detected
// samples to an S3 endpoint, for example for later inspection.
type Uploader struct {
	// Creds contains the required credentials for the S3 connection.
	Creds S3Credentials
	// UseSSL is true if SSL should be used for upload.
	UseSSL bool
	// Where the uploader queues files ready for upload.
	ScratchDir string
	// InChan is the channel to enqueue files for upload.
	InChan chan UploadJob
	// ClosedChan is used to signal uploader shutdown.
	ClosedChan chan bool
	// Client is a Minio client connecting to the given endpoint.
	Client *minio.Client
	// Reporter is used to send the threat event after upload.
	Reporter reporter.Reporter
}

// Enqueue adds a new file to the set of files to be uploaded, keyed by the
// sha256 of the detected sample. It also records the metadata given by the
// event.
func (u *Uploader) Enqueue(ev reporter.Event, sha256, localpath string) error {
	if sha256 == "" {
		return fmt.Errorf("refusing to enqueue upload without a sha256 key")
	}

	srcFile, err := os.Open(localpath)
	if err != nil {
		return err
	}

	destPath := path.Join(u.ScratchDir, sha256)
	destFile, err := os.Create(destPath)
	if err != nil {
		srcFile.Close()
		return err
	}

	_, err = io.Copy(destFile, srcFile)
	if err != nil {
		srcFile.Close()
		destFile.Close()
		return err
	}

	err = destFile.Sync()
	if err != nil {
		srcFile.Close()
		destFile.Close()
		return err
	}

	srcFile.Close()
	destFile.Close()

	var outJSON []byte
	eventPath := path.Join(u.ScratchDir, fmt.Sprintf("%s.event.json", sha256))
	outJSON, err = json.Marshal(ev)
	if err != nil {
		return err
	}
	err = os.WriteFile(eventPath, outJSON, 0644)
	if err != nil {
		return err
	}

	u.InChan <- UploadJob{
		event:          ev,
		localFilePath:  destPath,
		localEventPath: eventPath,
	}
	return nil
}

func (u *Uploader) processUpload() {
	for job := range u.InChan {
		sampleFileName := path.Base(job.localFilePath)
		eventFileName := fmt.Sprintf("%s.event.json", sampleFileName)

		// upload sample
		log.Debugf("bucket %s object '%s' localpath %s", u.Creds.BucketName, sampleFileName,
			job.localFilePath)
		size, err := u.Client.FPutObject(u.Creds.BucketName, sampleFileName,
			job.localFilePath, minio.PutObjectOptions{
				ContentType: "application/octet-stream",
			})
		if err != nil {
			log.Errorf("upload of %s failed: %s ", sampleFileName, err)
			continue
		}
		log.Infof("successfully uploaded %s (size %d)", sampleFileName, size)

		// upload event JSON
		log.Infof("bucket %s object '%s' localpath %s", u.Creds.BucketName, eventFileName,
			job.localEventPath)
		size, err = u.Client.FPutObject(u.Creds.BucketName, eventFileName,
			job.localEventPath, minio.PutObjectOptions{
				ContentType: "application/json",
			})
		if err != nil {
			log.Errorf("upload of %s failed: %s ", eventFileName, err)
			continue
		}
		log.Infof("successfully uploaded %s (size %d)", eventFileName, size)
		err = os.Remove(job.localFilePath)
		if err != nil {
			log.Errorf("could not remove uploaded file %s: %s", job.localFilePath, err)
		}
		err = os.Remove(job.localEventPath)
		if err != nil {
			log.Errorf("could not remove uploaded file %s: %s", job.localEventPath, err)
		}

		// report the event with the added location of the sample
		job.event.UploadLocation = fmt.Sprintf("%s/%s/%s", u.Creds.Endpoint,
			u.Creds.BucketName, sampleFileName)
		if u.Reporter != nil {
			if err := reporter.ReportEvent(u.Reporter, job.event); err != nil {
				log.Error(err)
			}
		}
	}
	close(u.ClosedChan)
}

// enqueueBacklog requeues scratch files left over from a previous run, so
// that an interrupted upload is retried on restart.
func (u *Uploader) enqueueBacklog() error {
	re := regexp.MustCompile(`(.+)\.event\.json$`)
	files, err := os.ReadDir(u.ScratchDir)
	if err != nil {
		return err
	}

	for _, f := range files {
		m := re.FindStringSubmatch(f.Name())
		if m == nil {
			continue
		}
		var ev reporter.Event
		data, err := os.ReadFile(path.Join(u.ScratchDir, f.Name()))
		if err != nil {
			return err
		}
		err = json.Unmarshal(data, &ev)
		if err != nil {
			return err
		}
		log.Debugf("enqueuing scratch file %s", f.Name())
		u.InChan <- UploadJob{
			event:          ev,
			localFilePath:  path.Join(u.ScratchDir, m[1]),
			localEventPath: path.Join(u.ScratchDir, f.Name()),
		}
	}

	return nil
}

// MakeS3Uploader returns a new Uploader for the given credentials and
// environment settings. If a reporter is given, it will be used to report
// the threat event for each uploaded file as well.
func MakeS3Uploader(creds S3Credentials, ssl bool, scratchdir string,
	rep reporter.Reporter) (*Uploader, error) {
	uploader := &Uploader{
		Creds:      creds,
		UseSSL:     ssl,
		ScratchDir: scratchdir,
		ClosedChan: make(chan bool),
		InChan:     make(chan UploadJob, 10000),
		Reporter:   rep,
	}

	client, err := minio.New(creds.Endpoint, creds.AccessKey, creds.SecretAccessKey, ssl)
	if err != nil {
		return nil, err
	}
	uploader.Client = client

	err = uploader.enqueueBacklog()
	if err != nil {
		return nil, err
	}

	go uploader.processUpload()

	return uploader, nil
}

// Stop causes the uploader to cease processing enqueued files.
func (u *Uploader) Stop() {
	close(u.InChan)
	<-u.ClosedChan
}
