package main

import (
	"fmt"
	"time"

	"github.com/opd-ai/ghostlink/crypto"
	"github.com/opd-ai/ghostlink/puzzle"
	"github.com/spf13/cobra"
)

func puzzleCmd() *cobra.Command {
	var (
		difficulty uint32
		rounds     int
	)
	cmd := &cobra.Command{
		Use:   "puzzle",
		Short: "Measure how long clients take to solve the connect puzzle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if difficulty > puzzle.MaxDifficulty {
				return fmt.Errorf("difficulty %d exceeds %d", difficulty, puzzle.MaxDifficulty)
			}
			if rounds < 1 {
				return fmt.Errorf("rounds must be positive")
			}
			var total time.Duration
			for n := 0; n < rounds; n++ {
				elapsed, err := solveOnce(difficulty)
				if err != nil {
					return err
				}
				total += elapsed
			}
			fmt.Fprintf(cmd.OutOrStdout(), "difficulty %d: %d rounds, mean %s\n",
				difficulty, rounds, (total / time.Duration(rounds)).Round(time.Microsecond))
			return nil
		},
	}
	cmd.Flags().Uint32VarP(&difficulty, "difficulty", "d", puzzle.InitialDifficulty, "leading zero bits required")
	cmd.Flags().IntVarP(&rounds, "rounds", "r", 5, "puzzles to solve")
	return cmd
}

func solveOnce(difficulty uint32) (time.Duration, error) {
	clientNonce, err := crypto.GenerateNonce()
	if err != nil {
		return 0, err
	}
	serverNonce, err := crypto.GenerateNonce()
	if err != nil {
		return 0, err
	}
	identity := uint32(clientNonce.Uint64())

	start := time.Now()
	var solution uint32
	for {
		var solved bool
		solution, solved = puzzle.Solve(crypto.DefaultTimeProvider{}, solution, clientNonce, serverNonce, difficulty, identity)
		if solved {
			break
		}
	}
	elapsed := time.Since(start)
	if !puzzle.CheckOneSolution(solution, clientNonce, serverNonce, difficulty, identity) {
		return 0, fmt.Errorf("solver returned an invalid solution %d", solution)
	}
	return elapsed, nil
}
