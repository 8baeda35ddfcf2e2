package speakerid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// diarizeScript is the embedded Python script for diarization and per-turn
// embedding extraction. It uses pyannote and pre-loads audio via torchaudio
// to avoid pyannote's torchcodec issues.
const diarizeScript = `#!/usr/bin/env python3
import argparse
import json
import sys
import warnings

warnings.filterwarnings("ignore", message=".*torchcodec.*")

import torch
import torchaudio
from pyannote.audio import Inference, Model, Pipeline


def load_audio(audio_path, sample_rate=16000):
    waveform, sr = torchaudio.load(audio_path)
    if sr != sample_rate:
        waveform = torchaudio.transforms.Resample(sr, sample_rate)(waveform)
    if waveform.shape[0] > 1:
        waveform = waveform.mean(dim=0, keepdim=True)
    return {"waveform": waveform, "sample_rate": sample_rate}


def main():
    parser = argparse.ArgumentParser()
    parser.add_argument("--audio", required=True)
    parser.add_argument("--hf-token", required=True)
    args = parser.parse_args()
    try:
        audio = load_audio(args.audio)
        device = torch.device("cuda" if torch.cuda.is_available() else "cpu")

        pipeline = Pipeline.from_pretrained(
            "pyannote/speaker-diarization-3.1", token=args.hf_token
        ).to(device)
        emb_model = Model.from_pretrained("pyannote/embedding", token=args.hf_token).to(device)
        embedding = Inference(emb_model, window="whole")

        result = pipeline(audio)
        diarization = result.speaker_diarization if hasattr(result, "speaker_diarization") else result

        sr = audio["sample_rate"]
        turns = []
        for turn, _, speaker in diarization.itertracks(yield_label=True):
            start_sample = int(turn.start * sr)
            end_sample = int(turn.end * sr)
            if end_sample - start_sample < sr // 2:
                emb = []
            else:
                seg = {"waveform": audio["waveform"][:, start_sample:end_sample], "sample_rate": sr}
                emb = embedding(seg).flatten().tolist()
            turns.append({
                "start": turn.start,
                "end": turn.end,
                "speaker": speaker,
                "embedding": emb,
            })
        print(json.dumps({"turns": turns}))
    except Exception as e:
        print(json.dumps({"error": str(e)}), file=sys.stderr)
        sys.exit(1)


if __name__ == "__main__":
    main()
`

// Turn is one diarized speaker turn with its similarity against the profile
// centroid. Turns too short to embed carry Similarity 0.
type Turn struct {
	Start      float64
	End        float64
	Tag        string
	Similarity float64
}

// Diarizer runs the pyannote diarization script in an isolated Python
// environment via uvx.
type Diarizer struct {
	hfToken     string
	workDir     string
	cudaEnabled bool
}

// DiarizerOption is a functional option for configuring a Diarizer.
type DiarizerOption func(*Diarizer)

// WithCUDA selects the CUDA-enabled torch wheel index.
func WithCUDA(on bool) DiarizerOption {
	return func(d *Diarizer) { d.cudaEnabled = on }
}

// NewDiarizer creates a diarizer. hfToken is the HuggingFace token that
// unlocks the gated pyannote models; workDir holds the script file.
func NewDiarizer(hfToken, workDir string, opts ...DiarizerOption) (*Diarizer, error) {
	if hfToken == "" {
		return nil, fmt.Errorf("speakerid: hf token must not be empty")
	}
	if workDir == "" {
		return nil, fmt.Errorf("speakerid: work dir must not be empty")
	}
	d := &Diarizer{hfToken: hfToken, workDir: workDir}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// diarizeOutput is the script's stdout payload.
type diarizeOutput struct {
	Turns []struct {
		Start     float64   `json:"start"`
		End       float64   `json:"end"`
		Speaker   string    `json:"speaker"`
		Embedding []float64 `json:"embedding"`
	} `json:"turns"`
	Error string `json:"error,omitempty"`
}

// Diarize runs diarization on the audio at path and scores each turn against
// the profile centroid. Turns are returned in time order.
func (d *Diarizer) Diarize(ctx context.Context, path string, profile *Profile) ([]Turn, error) {
	scriptPath := filepath.Join(d.workDir, "diarize.py")
	if err := os.WriteFile(scriptPath, []byte(diarizeScript), 0o644); err != nil {
		return nil, fmt.Errorf("speakerid: write diarize script: %w", err)
	}

	// torchaudio + soundfile required as audio decoder fallback; --refresh
	// because uvx caches aggressively.
	args := []string{
		"--refresh",
		"--quiet",
		"--with", "pyannote.audio",
		"--with", "torchaudio",
		"--with", "soundfile",
		"--with", "omegaconf",
	}
	if d.cudaEnabled {
		args = append(args,
			"--index-url", "https://download.pytorch.org/whl/cu128",
			"--extra-index-url", "https://pypi.org/simple",
		)
	}
	args = append(args, "python", scriptPath,
		"--audio", path,
		"--hf-token", d.hfToken,
	)

	cmd := exec.CommandContext(ctx, "uvx", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "HF_TOKEN="+d.hfToken)
	if os.Getenv("TORCH_FORCE_NO_WEIGHTS_ONLY_LOAD") == "" {
		cmd.Env = append(cmd.Env, "TORCH_FORCE_NO_WEIGHTS_ONLY_LOAD=1")
	}

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("speakerid: diarizer: %w: %s", err, scriptError(stderr.Bytes()))
	}

	var out diarizeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("speakerid: parse diarizer output: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("speakerid: diarizer: %s", out.Error)
	}

	turns := make([]Turn, 0, len(out.Turns))
	for _, t := range out.Turns {
		turns = append(turns, Turn{
			Start:      t.Start,
			End:        t.End,
			Tag:        t.Speaker,
			Similarity: profile.Similarity(t.Embedding),
		})
	}
	return turns, nil
}

// scriptError extracts a compact error message from the script's stderr.
func scriptError(stderr []byte) string {
	var out diarizeOutput
	if json.Unmarshal(stderr, &out) == nil && out.Error != "" {
		return out.Error
	}
	msg := strings.TrimSpace(string(stderr))
	if strings.Contains(msg, "GatedRepoError") || strings.Contains(msg, "401") {
		return "HuggingFace model access denied; accept the pyannote model terms and retry"
	}
	lines := strings.Split(msg, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return msg
}
