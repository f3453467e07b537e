package device

import (
	"github.com/sirupsen/logrus"
)

// PostCodePort is where firmware writes its progress codes.
const PostCodePort = 0x80

// PostCode logs the codes written to port 0x80.
type PostCode struct {
	log *logrus.Entry
}

// NewPostCode returns the POST code device.
func NewPostCode(log *logrus.Entry) *PostCode {
	return &PostCode{log: log.WithField("device", "postcode")}
}

func (p *PostCode) Read(port uint64, data []byte) error {
	for i := range data {
		data[i] = 0xff
	}

	return nil
}

func (p *PostCode) Write(port uint64, data []byte) error {
	if len(data) != 1 {
		return errDataLenInvalid
	}

	p.log.WithField("code", data[0]).Info("post code")

	return nil
}

func (p *PostCode) IOPort() uint64 { return PostCodePort }

func (p *PostCode) Size() uint64 { return 1 }
