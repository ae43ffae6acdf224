package scorefile

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/Kortemme-Lab/pull-into-place/internal/core/domain"
	"github.com/Kortemme-Lab/pull-into-place/internal/core/ports"
)

// SidecarExt names the optional file holding extra "<metric> <value>" lines
// computed for an artifact after the engine finished.
const SidecarExt = ".sc"

var ignoredRecords = []string{"HETATM", "REMARK", "HEADER", "MODEL", "ENDMDL", "TER", "END", "CONECT", "ANISOU", "label", "#"}

var residueCodes = map[string]byte{
	"ALA": 'A', "ARG": 'R', "ASN": 'N', "ASP": 'D', "CYS": 'C',
	"GLU": 'E', "GLN": 'Q', "GLY": 'G', "HIS": 'H', "ILE": 'I',
	"LEU": 'L', "LYS": 'K', "MET": 'M', "PHE": 'F', "PRO": 'P',
	"SER": 'S', "THR": 'T', "TRP": 'W', "TYR": 'Y', "VAL": 'V',
}

// Reader extracts the score block the engine appends to each structure.
type Reader struct{}

func NewReader() *Reader { return &Reader{} }

var _ ports.ScoreReader = (*Reader)(nil)

// ReadScores parses the artifact (gzip compressed when it ends in .gz) and
// merges in its sidecar, whose values win.
func (r *Reader) ReadScores(ctx context.Context, artifactPath string) (domain.MetricRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.MetricRecord{}, err
	}
	f, err := os.Open(artifactPath)
	if err != nil {
		return domain.MetricRecord{}, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	var src io.Reader = f
	if strings.HasSuffix(artifactPath, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return domain.MetricRecord{}, fmt.Errorf("failed to decompress %s: %w", artifactPath, err)
		}
		defer gz.Close()
		src = gz
	}

	record, err := Parse(src)
	if err != nil {
		return domain.MetricRecord{}, fmt.Errorf("failed to read %s: %w", artifactPath, err)
	}

	sidecar, err := os.Open(artifactPath + SidecarExt)
	if err == nil {
		defer sidecar.Close()
		extra, err := Parse(sidecar)
		if err != nil {
			return domain.MetricRecord{}, fmt.Errorf("failed to read sidecar of %s: %w", artifactPath, err)
		}
		for k, v := range extra.Metrics {
			record.Metrics[k] = v
		}
		if extra.Fingerprint != "" {
			record.Fingerprint = extra.Fingerprint
		}
	} else if !os.IsNotExist(err) {
		return domain.MetricRecord{}, fmt.Errorf("failed to open sidecar: %w", err)
	}

	return record, nil
}

// Parse reads a structure with its trailing score block. Recognised lines:
//
//	pose <total> ...             -> total_score
//	delta_buried_unsats <v>      -> buried_unsat_score
//	loop_backbone_rmsd <v>       -> loop_dist
//	EXTRA_SCORE_<name> <v>       -> <name>, unchanged
//	sequence <letters>           -> fingerprint
//	<metric> <v>                 -> <metric>
//	ATOM ...                     -> one residue letter per residue
//
// Other lines, and NaN or infinite values, are ignored. An empty input is an
// error.
func Parse(src io.Reader) (domain.MetricRecord, error) {
	record := domain.MetricRecord{Metrics: map[string]float64{}}
	var seq strings.Builder
	lastResidue := ""
	explicitSeq := ""
	lines := 0

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		lines++

		switch {
		case strings.HasPrefix(line, "ATOM"):
			if len(line) < 26 {
				continue
			}
			resID := strings.TrimSpace(line[22:26])
			if resID == lastResidue {
				continue
			}
			lastResidue = resID
			code, ok := residueCodes[strings.TrimSpace(line[17:20])]
			if !ok {
				code = 'X'
			}
			seq.WriteByte(code)

		case ignored(line):

		case strings.HasPrefix(line, "EXTRA_SCORE_"):
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			v, err := strconv.ParseFloat(fields[len(fields)-1], 64)
			if err != nil || !finite(v) {
				continue
			}
			name := strings.Join(fields[:len(fields)-1], " ")[len("EXTRA_SCORE_"):]
			record.Metrics[name] = v

		default:
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			if fields[0] == domain.FingerprintSequence {
				explicitSeq = fields[1]
				continue
			}
			v, err := strconv.ParseFloat(fields[1], 64)
			if err != nil || !finite(v) {
				continue
			}
			switch fields[0] {
			case "pose":
				record.Metrics[domain.MetricTotalScore] = v
			case "delta_buried_unsats":
				record.Metrics[domain.MetricBuriedUnsat] = v
			case "loop_backbone_rmsd":
				record.Metrics[domain.MetricLoopDist] = v
			default:
				// Energy table rows carry one column per score term.
				if len(fields) == 2 {
					record.Metrics[fields[0]] = v
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return record, err
	}
	if lines == 0 {
		return record, fmt.Errorf("empty score block")
	}

	record.Fingerprint = seq.String()
	if explicitSeq != "" {
		record.Fingerprint = explicitSeq
	}
	return record, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func ignored(line string) bool {
	for _, prefix := range ignoredRecords {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}
