package detector

import (
	"fmt"
	"math"
	"math/rand"
	"os"
)

// ShannonEntropy computes H = -Σ pᵢ log2(pᵢ) over the byte-frequency
// distribution of data. Ordinary text sits around 3.5-4.5; encrypted or
// compressed payloads push toward 8.0.
func ShannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}

	var counts [256]int
	for _, b := range data {
		counts[b]++
	}

	total := float64(len(data))
	var entropy float64
	for _, count := range counts {
		if count == 0 {
			continue
		}
		p := float64(count) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// ReadSampledData implements §4.1 step 5's sampling strategy: if the file
// is at or below blockSize*blockCount bytes, read it whole; otherwise split
// it into blockCount equal regions and read one random blockSize-byte
// window from each, defeating intermittent encryption that only touches
// part of a file.
func ReadSampledData(path string, blockSize int, blockCount int) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	size := info.Size()
	if size == 0 {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	ceiling := int64(blockSize * blockCount)
	if size <= ceiling {
		buf := make([]byte, size)
		n, err := f.Read(buf)
		if err != nil && n == 0 {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return buf[:n], nil
	}

	sampled := make([]byte, 0, blockSize*blockCount)
	regionSize := size / int64(blockCount)

	for i := 0; i < blockCount; i++ {
		regionStart := int64(i) * regionSize
		maxOffset := regionStart + regionSize - int64(blockSize)
		if maxOffset < regionStart {
			maxOffset = regionStart
		}

		offset := regionStart
		if maxOffset > regionStart {
			offset = regionStart + rand.Int63n(maxOffset-regionStart+1)
		}

		if _, err := f.Seek(offset, 0); err != nil {
			return nil, fmt.Errorf("seek %s: %w", path, err)
		}
		block := make([]byte, blockSize)
		n, err := f.Read(block)
		if err != nil && n == 0 {
			continue
		}
		sampled = append(sampled, block[:n]...)
	}

	return sampled, nil
}
