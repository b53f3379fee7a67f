package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"runtime/debug"
	"strings"

	"github.com/dimsync/dimsync/pkg/config"
	"github.com/dimsync/dimsync/pkg/job"
	"github.com/manifoldco/promptui"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type ErrorResponses struct {
	Error []string `json:"error"`
}

func makeLogger(isDebug bool) *zap.SugaredLogger {
	level := zap.InfoLevel
	if isDebug {
		level = zap.DebugLevel
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.TimeKey = ""
	if !isDebug {
		encoderConfig.CallerKey = ""
	}

	cfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       isDebug,
		DisableStacktrace: !isDebug,
		Encoding:          "console",
		EncoderConfig:     encoderConfig,
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}

	return logger.Sugar()
}

func switchEnvironment(env string, force bool, cm *config.Config, stdin io.ReadCloser) error {
	if env == "" {
		return nil
	}

	err := cm.SelectEnvironment(env)
	if err != nil {
		errorPrinter.Printf("Failed to use the environment '%s': %v\n", env, err)
		return cli.Exit("", 1)
	}

	// if env name is similar to "prod" ask for confirmation
	if !force && strings.Contains(strings.ToLower(env), "prod") {
		prompt := promptui.Prompt{
			Label:     "You are using a production environment. Are you sure you want to continue?",
			IsConfirm: true,
			Stdin:     stdin,
		}

		_, err := prompt.Run()
		if err != nil {
			fmt.Printf("The operation is cancelled.\n")
			return cli.Exit("", 1)
		}
	}

	return nil
}

func RecoverFromPanic() {
	if err := recover(); err != nil {
		log.Println("=======================================")
		log.Println("dimsync encountered an unexpected error, please report the issue.")
		log.Println(err)
		log.Println("=======================================")
		b := bufio.NewScanner(bytes.NewBuffer(debug.Stack()))
		for b.Scan() {
			log.Println(b.Text())
		}
		os.Exit(1)
	}
}

func printErrorJSON(err error) {
	errResponse := ErrorResponse{
		Error: errors.New("something went wrong").Error(),
	}
	if err != nil {
		errResponse.Error = err.Error()
	}
	js, err := json.Marshal(errResponse)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(string(js))
}

func printErrors(w io.Writer, errs []string, output string, message string) {
	if output == "json" {
		js, err := json.Marshal(ErrorResponses{Error: errs})
		if err != nil {
			fmt.Fprintln(w, err)
			return
		}
		fmt.Fprintln(w, string(js))
		return
	}

	errorPrinter.Fprintln(w, message)
	for _, e := range errs {
		errorPrinter.Fprintln(w, "  - "+e)
	}
}

// resolvePipelinePath accepts either a pipeline file or the directory
// holding one.
func resolvePipelinePath(p string) (string, error) {
	if p == "" {
		p = "."
	}
	isDir, err := afero.IsDir(fs, p)
	if err != nil {
		return "", err
	}
	if !isDir {
		return p, nil
	}
	return job.FindPipelineFile(fs, p)
}
