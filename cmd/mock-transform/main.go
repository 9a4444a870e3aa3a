// mock-transform is a stand-in voice-conversion service for local
// development: it echoes uploaded chunks back unchanged so the full
// pipeline can run without a real conversion backend.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/kako-jun/makebeliv/internal/audio"
)

var startTime = time.Now()

type statusResponse struct {
	Status         string   `json:"status"`
	ModelsLoaded   []string `json:"models_loaded"`
	ActiveSessions int      `json:"active_sessions"`
	UptimeSeconds  float64  `json:"uptime_seconds"`
}

var processingDelay time.Duration

func convertHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	sessionID := r.FormValue("session_id")
	sequence := r.FormValue("sequence")
	model := r.FormValue("model")
	pitchShift := r.FormValue("pitch_shift")

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	audioData, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	duration, err := audio.GetWAVDuration(audioData)
	if err != nil {
		http.Error(w, "Invalid WAV payload", http.StatusBadRequest)
		return
	}

	log.Printf("convert: session=%s seq=%s model=%s pitch=%s duration=%.3fs file=%s size=%d",
		sessionID, sequence, model, pitchShift, duration, header.Filename, len(audioData))

	if processingDelay > 0 {
		time.Sleep(processingDelay)
	}

	// Identity conversion: the uploaded WAV comes straight back.
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("X-Processing-Time-Ms", fmt.Sprintf("%d", processingDelay.Milliseconds()))
	w.WriteHeader(http.StatusOK)
	w.Write(audioData)
}

func statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statusResponse{
		Status:        "ok",
		ModelsLoaded:  []string{"default"},
		UptimeSeconds: time.Since(startTime).Seconds(),
	})
}

func main() {
	port := flag.Int("port", 8000, "Listen port")
	delay := flag.Duration("delay", 20*time.Millisecond, "Simulated processing time per chunk")
	flag.Parse()

	processingDelay = *delay

	http.HandleFunc("/convert-chunk", convertHandler)
	http.HandleFunc("/status", statusHandler)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock conversion server listening on %s", addr)
	log.Printf("Point the service at: http://localhost%s", addr)

	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal("Server failed to start:", err)
	}
}
