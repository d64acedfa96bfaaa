package data

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"gumbelnas/internal/ops"
)

const (
	cifarSide    = 32
	cifarChans   = 3
	cifarClasses = 10
	cifarRecord  = 1 + cifarChans*cifarSide*cifarSide
)

var (
	cifarMean = [cifarChans]float64{0.49139968, 0.48215827, 0.44653124}
	cifarStd  = [cifarChans]float64{0.24703233, 0.24348505, 0.26158768}
)

// CIFARTrainFiles and CIFARTestFiles name the binary batches of the
// standard CIFAR-10 distribution.
var (
	CIFARTrainFiles = []string{"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin", "data_batch_4.bin", "data_batch_5.bin"}
	CIFARTestFiles  = []string{"test_batch.bin"}
)

// CIFAR10 holds normalized CIFAR-10 images in memory.
type CIFAR10 struct {
	pixels [][]float64
	labels []int
}

// LoadCIFAR10 reads the train or test batches from the cifar-10-batches-bin
// directory under dir (or dir itself).
func LoadCIFAR10(dir string, train bool) (*CIFAR10, error) {
	files := CIFARTestFiles
	if train {
		files = CIFARTrainFiles
	}
	root := dir
	if _, err := os.Stat(filepath.Join(dir, "cifar-10-batches-bin")); err == nil {
		root = filepath.Join(dir, "cifar-10-batches-bin")
	}
	ds := &CIFAR10{}
	for _, name := range files {
		f, err := os.Open(filepath.Join(root, name))
		if err != nil {
			return nil, errors.Wrap(err, "open cifar-10 batch")
		}
		err = ds.read(f)
		f.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", name)
		}
	}
	return ds, nil
}

// ReadCIFAR10 decodes one binary batch stream.
func ReadCIFAR10(r io.Reader) (*CIFAR10, error) {
	ds := &CIFAR10{}
	if err := ds.read(r); err != nil {
		return nil, err
	}
	return ds, nil
}

func (d *CIFAR10) read(r io.Reader) error {
	br := bufio.NewReader(r)
	record := make([]byte, cifarRecord)
	plane := cifarSide * cifarSide
	for {
		_, err := io.ReadFull(br, record)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "truncated cifar-10 record")
		}
		label := int(record[0])
		if label >= cifarClasses {
			return errors.Errorf("cifar-10 label %d out of range", label)
		}
		px := make([]float64, cifarChans*plane)
		for c := 0; c < cifarChans; c++ {
			for i := 0; i < plane; i++ {
				v := float64(record[1+c*plane+i]) / 255
				px[c*plane+i] = (v - cifarMean[c]) / cifarStd[c]
			}
		}
		d.pixels = append(d.pixels, px)
		d.labels = append(d.labels, label)
	}
}

func (d *CIFAR10) Len() int { return len(d.labels) }

func (d *CIFAR10) Example(i int) ([]float64, int) { return d.pixels[i], d.labels[i] }

func (d *CIFAR10) Shape() ops.Shape { return ops.Shape{C: cifarChans, H: cifarSide, W: cifarSide} }

func (d *CIFAR10) Classes() int { return cifarClasses }
