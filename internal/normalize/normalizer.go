// Package normalize converts ledger API payloads (account-based transaction
// lists, UTXO transactions, TRON transfers) into chain.Record values. Focus: no floats, UTC
// timestamps, lower-cased ids, normalized addresses.
package normalize

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/AIAleph/flowtrace/internal/chain"
)

var (
	// ErrFailedTx marks a transaction the ledger reverted; it moved no value.
	ErrFailedTx = errors.New("failed transaction")
	// ErrNoCounterparty marks a payload with no usable sender or recipient.
	ErrNoCounterparty = errors.New("no counterparty")
	// ErrNotTransfer marks a TRON transaction that is not a plain TRX
	// transfer (token or contract calls).
	ErrNotTransfer = errors.New("not a transfer")
)

// AccountTx is one entry of an Etherscan-style txlist response. Quantities
// arrive as decimal or 0x-hex strings.
type AccountTx struct {
	Hash            string `json:"hash"`
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	From            string `json:"from"`
	To              string `json:"to"`
	ContractAddress string `json:"contractAddress"`
	Value           string `json:"value"`
	GasPrice        string `json:"gasPrice"`
	GasUsed         string `json:"gasUsed"`
	IsError         string `json:"isError"`
}

// Account maps an account-model transfer to a one-input, one-output record.
// The sender's input carries value plus fee so the record conserves exactly.
func Account(id chain.ID, tx AccountTx) (chain.Record, error) {
	if tx.IsError == "1" {
		return chain.Record{}, fmt.Errorf("%w: %s", ErrFailedTx, tx.Hash)
	}
	to := tx.To
	if strings.TrimSpace(to) == "" {
		to = tx.ContractAddress
	}
	if strings.TrimSpace(tx.From) == "" || strings.TrimSpace(to) == "" {
		return chain.Record{}, fmt.Errorf("%w: %s", ErrNoCounterparty, tx.Hash)
	}
	from, err := chain.NewAddress(id, tx.From)
	if err != nil {
		return chain.Record{}, fmt.Errorf("%s from: %w", tx.Hash, err)
	}
	dst, err := chain.NewAddress(id, to)
	if err != nil {
		return chain.Record{}, fmt.Errorf("%s to: %w", tx.Hash, err)
	}
	value, err := chain.ParseAmount(valueToDecimalString(tx.Value))
	if err != nil {
		return chain.Record{}, fmt.Errorf("%s value: %w", tx.Hash, err)
	}
	gasUsed, err := chain.ParseAmount(valueToDecimalString(tx.GasUsed))
	if err != nil {
		return chain.Record{}, fmt.Errorf("%s gasUsed: %w", tx.Hash, err)
	}
	gasPrice, err := chain.ParseAmount(valueToDecimalString(tx.GasPrice))
	if err != nil {
		return chain.Record{}, fmt.Errorf("%s gasPrice: %w", tx.Hash, err)
	}
	fee := gasUsed.Mul(gasPrice)
	return chain.Record{
		ID:        strings.ToLower(strings.TrimSpace(tx.Hash)),
		Chain:     id,
		Timestamp: unixSeconds(tx.TimeStamp),
		Inputs:    []chain.Transfer{{Address: from, Value: value.Add(fee)}},
		Outputs:   []chain.Transfer{{Address: dst, Value: value}},
		Fee:       fee,
	}, nil
}

// UTXOTx is an Esplora transaction.
type UTXOTx struct {
	TxID   string     `json:"txid"`
	Fee    int64      `json:"fee"`
	Status UTXOStatus `json:"status"`
	Vin    []UTXOIn   `json:"vin"`
	Vout   []UTXOOut  `json:"vout"`
}

type UTXOStatus struct {
	Confirmed bool  `json:"confirmed"`
	BlockTime int64 `json:"block_time"`
}

type UTXOIn struct {
	TxID       string   `json:"txid"`
	Vout       uint32   `json:"vout"`
	IsCoinbase bool     `json:"is_coinbase"`
	Prevout    *UTXOOut `json:"prevout"`
}

type UTXOOut struct {
	Address string `json:"scriptpubkey_address"`
	Value   int64  `json:"value"`
}

// UTXO maps a transaction to a multi-input, multi-output record. Inputs whose
// previous output is unknown or has no standard address mark the record
// InputsIncomplete; outputs without an address (OP_RETURN) are dropped.
func UTXO(id chain.ID, tx UTXOTx) (chain.Record, error) {
	r := chain.Record{
		ID:        strings.ToLower(tx.TxID),
		Chain:     id,
		Timestamp: unixTime(tx.Status.BlockTime),
		Fee:       chain.NewAmount(tx.Fee),
	}
	for _, in := range tx.Vin {
		if in.IsCoinbase || in.Prevout == nil || in.Prevout.Address == "" {
			r.InputsIncomplete = true
			continue
		}
		a, err := chain.NewAddress(id, in.Prevout.Address)
		if err != nil {
			r.InputsIncomplete = true
			continue
		}
		r.Inputs = append(r.Inputs, chain.Transfer{Address: a, Value: chain.NewAmount(in.Prevout.Value)})
	}
	for _, out := range tx.Vout {
		if out.Address == "" {
			continue
		}
		a, err := chain.NewAddress(id, out.Address)
		if err != nil {
			continue
		}
		r.Outputs = append(r.Outputs, chain.Transfer{Address: a, Value: chain.NewAmount(out.Value)})
	}
	if len(r.Inputs) == 0 || len(r.Outputs) == 0 {
		return chain.Record{}, fmt.Errorf("%w: %s", ErrNoCounterparty, tx.TxID)
	}
	return r, nil
}

// TronTx is one entry of a TronGrid account transaction list. Amounts and
// fees are in sun.
type TronTx struct {
	TxID           string       `json:"txID"`
	BlockNumber    int64        `json:"blockNumber"`
	BlockTimestamp int64        `json:"block_timestamp"`
	Ret            []TronResult `json:"ret"`
	RawData        TronRawData  `json:"raw_data"`
}

type TronResult struct {
	ContractRet string `json:"contractRet"`
	Fee         int64  `json:"fee"`
}

type TronRawData struct {
	Contract []TronContract `json:"contract"`
}

type TronContract struct {
	Type      string `json:"type"`
	Parameter struct {
		Value TronTransfer `json:"value"`
	} `json:"parameter"`
}

type TronTransfer struct {
	OwnerAddress string `json:"owner_address"`
	ToAddress    string `json:"to_address"`
	Amount       int64  `json:"amount"`
}

// Tron maps a TransferContract transaction to a one-input, one-output
// record. The owner's input carries amount plus fee.
func Tron(tx TronTx) (chain.Record, error) {
	if len(tx.Ret) > 0 && tx.Ret[0].ContractRet != "" && tx.Ret[0].ContractRet != "SUCCESS" {
		return chain.Record{}, fmt.Errorf("%w: %s", ErrFailedTx, tx.TxID)
	}
	if len(tx.RawData.Contract) != 1 || tx.RawData.Contract[0].Type != "TransferContract" {
		return chain.Record{}, fmt.Errorf("%w: %s", ErrNotTransfer, tx.TxID)
	}
	v := tx.RawData.Contract[0].Parameter.Value
	if strings.TrimSpace(v.OwnerAddress) == "" || strings.TrimSpace(v.ToAddress) == "" {
		return chain.Record{}, fmt.Errorf("%w: %s", ErrNoCounterparty, tx.TxID)
	}
	if v.Amount < 0 {
		return chain.Record{}, fmt.Errorf("%s amount: %w", tx.TxID, chain.ErrInvalidAmount)
	}
	from, err := chain.NewAddress(chain.TRX, v.OwnerAddress)
	if err != nil {
		return chain.Record{}, fmt.Errorf("%s owner: %w", tx.TxID, err)
	}
	to, err := chain.NewAddress(chain.TRX, v.ToAddress)
	if err != nil {
		return chain.Record{}, fmt.Errorf("%s to: %w", tx.TxID, err)
	}
	var fee chain.Amount
	for _, r := range tx.Ret {
		fee = fee.Add(chain.NewAmount(r.Fee))
	}
	value := chain.NewAmount(v.Amount)
	return chain.Record{
		ID:        strings.ToLower(strings.TrimSpace(tx.TxID)),
		Chain:     chain.TRX,
		Timestamp: unixMillis(tx.BlockTimestamp),
		Inputs:    []chain.Transfer{{Address: from, Value: value.Add(fee)}},
		Outputs:   []chain.Transfer{{Address: to, Value: value}},
		Fee:       fee,
	}, nil
}

func valueToDecimalString(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "0"
	}
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		return hexToBigIntString(s)
	}
	// Decimal or garbage: the amount parser rejects the latter.
	return s
}

func hexToBigIntString(s string) string {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return "0"
	}
	b, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return "0x" + s
	}
	return b.String()
}

func unixSeconds(s string) time.Time {
	n, err := strconv.ParseInt(valueToDecimalString(s), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return unixTime(n)
}

func unixTime(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}

func unixMillis(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}
